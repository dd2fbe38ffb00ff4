package engine

import (
	"SynthLedger/internal/event"
	"SynthLedger/internal/fixedpoint"
	"SynthLedger/internal/ledger"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/token"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CustodyAccount is the identity the engine holds collateral and pulled
// synth under in the token ledgers.
const CustodyAccount = "synthledger:engine"

// Engine is the issuer core: it accepts collateral, mints synthetic debt
// against it, and liquidates accounts whose health factor falls below the
// floor. Mutating operations are atomic — every ledger effect is applied
// through an undo-logged transaction that is rolled back in full if any
// later step fails — and serialized by the reentrancy guard.
//
// Committed operations are appended to a hash-chained record log: a
// blocking send to the persist channel (backpressure, no loss) and a
// non-blocking send to the publish channel (drops under pressure).
type Engine struct {
	guard guard

	// mu serializes state reads against mutating operations: operations
	// hold it exclusively for their full span, readers hold it shared.
	// Without it a snapshot taken mid-operation could pair a committed
	// ledger copy with a not-yet-advanced sequence and chain tip, and
	// replaying from that snapshot would fail hash verification.
	mu sync.RWMutex

	ledger     *ledger.Ledger
	valuation  *oracle.Valuation
	synth      token.SynthToken
	collateral map[ledger.AssetID]token.CollateralAsset

	hasher   *stateHasher
	sequence int64

	persist chan<- event.Record
	publish chan<- event.Record

	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Config wires an Engine. Ledger, Valuation, and Synth are required;
// Collateral must cover every registry asset. The channels and Metrics
// are optional (nil disables them).
type Config struct {
	Ledger     *ledger.Ledger
	Valuation  *oracle.Valuation
	Synth      token.SynthToken
	Collateral map[ledger.AssetID]token.CollateralAsset

	PersistChan chan<- event.Record
	PublishChan chan<- event.Record

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

func New(cfg Config) (*Engine, error) {
	if cfg.Ledger == nil || cfg.Valuation == nil || cfg.Synth == nil {
		return nil, fmt.Errorf("engine: ledger, valuation, and synth token are required")
	}
	for _, asset := range cfg.Ledger.Registry().Assets() {
		if cfg.Collateral[asset] == nil {
			return nil, fmt.Errorf("engine: no collateral token wired for asset %s", asset)
		}
	}

	return &Engine{
		ledger:     cfg.Ledger,
		valuation:  cfg.Valuation,
		synth:      cfg.Synth,
		collateral: cfg.Collateral,
		hasher:     newStateHasher(),
		persist:    cfg.PersistChan,
		publish:    cfg.PublishChan,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}, nil
}

// --- read-only surface ---

// AccountState is a point-in-time view of one account.
type AccountState struct {
	Account       ledger.Account
	Debt          fixedpoint.Quantity
	CollateralUSD fixedpoint.Quantity
	HealthFactor  fixedpoint.Quantity
}

// AccountSnapshot values the account's collateral at current prices and
// computes its health factor.
func (e *Engine) AccountSnapshot(ctx context.Context, acct ledger.Account) (AccountState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.accountSnapshot(ctx, acct)
}

func (e *Engine) accountSnapshot(ctx context.Context, acct ledger.Account) (AccountState, error) {
	usd, err := e.collateralUSD(ctx, acct)
	if err != nil {
		return AccountState{}, err
	}
	debt := e.ledger.DebtOf(acct)
	return AccountState{
		Account:       acct,
		Debt:          debt,
		CollateralUSD: usd,
		HealthFactor:  HealthFactor(usd, debt),
	}, nil
}

// CollateralBalance returns the account's deposited balance for one asset.
func (e *Engine) CollateralBalance(acct ledger.Account, asset ledger.AssetID) fixedpoint.Quantity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.CollateralOf(acct, asset)
}

// DebtOf returns the account's outstanding synthetic debt.
func (e *Engine) DebtOf(acct ledger.Account) fixedpoint.Quantity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.DebtOf(acct)
}

// HealthFactorOf computes the account's current health factor.
func (e *Engine) HealthFactorOf(ctx context.Context, acct ledger.Account) (fixedpoint.Quantity, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.healthFactorOf(ctx, acct)
}

func (e *Engine) healthFactorOf(ctx context.Context, acct ledger.Account) (fixedpoint.Quantity, error) {
	snap, err := e.accountSnapshot(ctx, acct)
	if err != nil {
		return fixedpoint.Quantity{}, err
	}
	return snap.HealthFactor, nil
}

// Assets lists the accepted collateral assets in registration order.
func (e *Engine) Assets() []ledger.AssetID {
	return e.ledger.Registry().Assets()
}

// USDValue prices an asset amount at the current feed quote.
func (e *Engine) USDValue(ctx context.Context, asset ledger.AssetID, amount fixedpoint.Quantity) (fixedpoint.Quantity, error) {
	return e.valuation.USDValue(ctx, string(asset), amount)
}

// AssetAmountForUSD inverts USDValue at the current feed quote.
func (e *Engine) AssetAmountForUSD(ctx context.Context, asset ledger.AssetID, usd fixedpoint.Quantity) (fixedpoint.Quantity, error) {
	return e.valuation.AssetAmountForUSD(ctx, string(asset), usd)
}

// TotalDebt returns the sum of all outstanding debt. Equals the synth
// token's total supply whenever the engine is the only minter.
func (e *Engine) TotalDebt() fixedpoint.Quantity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.TotalDebt()
}

// Sequence returns the sequence of the last committed operation.
func (e *Engine) Sequence() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sequence
}

// StateHash returns the operation log's current chain tip.
func (e *Engine) StateHash() [32]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasher.tip()
}

// Params reports the engine's fixed risk parameters.
type Params struct {
	LiquidationThreshold int64  `json:"liquidation_threshold"`
	LiquidationPrecision int64  `json:"liquidation_precision"`
	LiquidationBonus     int64  `json:"liquidation_bonus"`
	MinHealthFactor      string `json:"min_health_factor"`
	Precision            string `json:"precision"`
	FeedDecimals         int64  `json:"feed_decimals"`
}

func (e *Engine) Params() Params {
	return Params{
		LiquidationThreshold: fixedpoint.LiquidationThreshold,
		LiquidationPrecision: fixedpoint.LiquidationPrecision,
		LiquidationBonus:     fixedpoint.LiquidationBonus,
		MinHealthFactor:      fixedpoint.MinHealthFactor.Mantissa().String(),
		Precision:            fixedpoint.Precision.String(),
		FeedDecimals:         fixedpoint.FeedDecimals,
	}
}

// --- internal helpers ---

// collateralUSD sums the USD value of every deposited asset. Fails when
// any needed price is stale.
func (e *Engine) collateralUSD(ctx context.Context, acct ledger.Account) (fixedpoint.Quantity, error) {
	total := fixedpoint.ZeroWad()
	for _, asset := range e.ledger.Registry().Assets() {
		bal := e.ledger.CollateralOf(acct, asset)
		if bal.IsZero() {
			continue
		}
		usd, err := e.valuation.USDValue(ctx, string(asset), bal)
		if err != nil {
			return fixedpoint.Quantity{}, err
		}
		total = total.Add(usd)
	}
	return total, nil
}

// assertHealthy fails with a HealthFactorError when the account is below
// the solvency floor at current prices.
func (e *Engine) assertHealthy(ctx context.Context, acct ledger.Account) error {
	snap, err := e.accountSnapshot(ctx, acct)
	if err != nil {
		return err
	}
	if snap.HealthFactor.Cmp(fixedpoint.MinHealthFactor) < 0 {
		return &HealthFactorError{Account: acct, Ratio: snap.HealthFactor}
	}
	return nil
}

// emit appends a committed operation to the record log and forwards it to
// the persist and publish channels. Called only while the guard and e.mu
// are held, so sequence and hash-chain updates are serialized.
func (e *Engine) emit(kind event.Kind, acct ledger.Account, payload interface{}) {
	e.sequence++

	digest, err := json.Marshal(payload)
	if err != nil {
		// Payloads are plain structs of strings; this cannot fail.
		e.log.Error().Err(err).Int64("sequence", e.sequence).Msg("marshal payload")
		digest = []byte("{}")
	}

	prev := e.hasher.tip()
	hash := e.hasher.computeHash(e.sequence, digest)

	rec := event.Record{
		Envelope: event.Envelope{
			Sequence:    e.sequence,
			OperationID: uuid.New(),
			Kind:        kind,
			Account:     string(acct),
			Timestamp:   e.now(),
			StateHash:   hash,
			PrevHash:    prev,
		},
		Payload: payload,
	}

	if e.persist != nil {
		e.persist <- rec
	}
	if e.publish != nil {
		select {
		case e.publish <- rec:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(kind.String()).Inc()
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}

	e.log.Info().
		Int64("sequence", rec.Sequence).
		Str("kind", kind.String()).
		Str("account", string(acct)).
		Msg("operation committed")
}

// finishOp records metrics for one operation attempt.
func (e *Engine) finishOp(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.OpsRejected.WithLabelValues(op, rejectReason(err)).Inc()
	}
}

// --- snapshot / restore ---

// SnapshotState is the engine's full in-memory state in serializable form.
type SnapshotState struct {
	Sequence   int64                        `json:"sequence"`
	StateHash  []byte                       `json:"state_hash"`
	Collateral map[string]map[string]string `json:"collateral"`
	Debt       map[string]string            `json:"debt"`
	CreatedAt  time.Time                    `json:"created_at"`
}

// CreateSnapshotState captures the current state for persistence. The
// ledger copy, sequence, and chain tip are taken under one shared lock so
// the snapshot is always consistent with the operation log.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	collateral, debt := e.ledger.Snapshot()
	tip := e.hasher.tip()
	return &SnapshotState{
		Sequence:   e.sequence,
		StateHash:  tip[:],
		Collateral: collateral,
		Debt:       debt,
		CreatedAt:  e.now(),
	}
}

// RestoreFromSnapshot replaces the engine's state with a saved snapshot.
// Must be called before the engine starts serving operations.
func (e *Engine) RestoreFromSnapshot(s *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ledger.Restore(s.Collateral, s.Debt); err != nil {
		return fmt.Errorf("engine: restore ledger: %w", err)
	}
	e.sequence = s.Sequence
	var tip [32]byte
	copy(tip[:], s.StateHash)
	e.hasher.restore(tip)
	e.log.Info().Int64("sequence", s.Sequence).Msg("state restored from snapshot")
	return nil
}
