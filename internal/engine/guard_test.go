package engine

import (
	"SynthLedger/internal/fixedpoint"
	"SynthLedger/internal/ledger"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/token"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// reentrantToken calls back into the engine from inside a transfer, the
// way a hostile token contract would.
type reentrantToken struct {
	inner    *token.Token
	engine   *Engine
	innerErr error
}

func (r *reentrantToken) TransferFrom(ctx context.Context, from, to string, amount fixedpoint.Quantity) error {
	r.innerErr = r.engine.DepositCollateral(ctx, ledger.Account(from), "ETH", amount)
	return r.inner.TransferFrom(ctx, from, to, amount)
}

func (r *reentrantToken) Transfer(ctx context.Context, from, to string, amount fixedpoint.Quantity) error {
	return r.inner.Transfer(ctx, from, to, amount)
}

func (r *reentrantToken) BalanceOf(holder string) fixedpoint.Quantity {
	return r.inner.BalanceOf(holder)
}

func TestReentrantCallRejected(t *testing.T) {
	feed := oracle.NewStaticFeed(big.NewInt(2000_00000000), time.Now())
	registry, err := ledger.NewRegistry([]ledger.AssetID{"ETH"}, []oracle.PriceFeed{feed})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	led := ledger.New(registry)

	weth := token.NewToken("WETH")
	hostile := &reentrantToken{inner: weth}

	eng, err := New(Config{
		Ledger:     led,
		Valuation:  oracle.NewValuation(registry, 0),
		Synth:      token.NewToken("sUSD"),
		Collateral: map[ledger.AssetID]token.CollateralAsset{"ETH": hostile},
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hostile.engine = eng

	ctx := context.Background()
	if err := weth.Mint(ctx, "alice", fixedpoint.WadUnits(10)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	weth.Approve("alice", CustodyAccount, fixedpoint.WadUnits(10))

	if err := eng.DepositCollateral(ctx, "alice", "ETH", fixedpoint.WadUnits(1)); err != nil {
		t.Fatalf("outer deposit should succeed: %v", err)
	}

	if !errors.Is(hostile.innerErr, ErrReentrantCall) {
		t.Errorf("inner err = %v, want ErrReentrantCall", hostile.innerErr)
	}
	// The callback must not have double-credited the ledger.
	if got := eng.CollateralBalance("alice", "ETH"); got.Cmp(fixedpoint.WadUnits(1)) != 0 {
		t.Errorf("collateral = %s, want exactly 1e18", got.Mantissa())
	}
}

func TestGuardReleasedAfterOperation(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	// A failed operation must release the guard too.
	if err := f.engine.DepositCollateral(ctx, "alice", "ETH", fixedpoint.ZeroWad()); err == nil {
		t.Fatal("expected zero-amount rejection")
	}
	if err := f.engine.DepositCollateral(ctx, "alice", "ETH", fixedpoint.WadUnits(1)); err != nil {
		t.Errorf("guard not released: %v", err)
	}
}
