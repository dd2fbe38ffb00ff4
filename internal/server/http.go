package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"SynthLedger/internal/engine"
	"SynthLedger/internal/fixedpoint"
	"SynthLedger/internal/ledger"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/query"
)

// Server exposes the engine over HTTP/JSON. Live state reads come from
// the engine's in-memory ledger; history reads come from the query
// service backed by Postgres. All amounts on the wire are integer
// mantissas at 18 decimals.
type Server struct {
	engine  *engine.Engine
	queries *query.Service
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(eng *engine.Engine, queries *query.Service, health *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		engine:  eng,
		queries: queries,
		health:  health,
		metrics: metrics,
		log:     log.With().Str("component", "http").Logger(),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.health.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.health.ReadinessHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	// Reads.
	v1.HandleFunc("/params", s.instrument("params", s.handleParams)).Methods(http.MethodGet)
	v1.HandleFunc("/assets", s.instrument("assets", s.handleAssets)).Methods(http.MethodGet)
	v1.HandleFunc("/assets/{asset}/usd-value", s.instrument("usd_value", s.handleUSDValue)).Methods(http.MethodGet)
	v1.HandleFunc("/assets/{asset}/amount-for-usd", s.instrument("amount_for_usd", s.handleAmountForUSD)).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{account}/snapshot", s.instrument("account_snapshot", s.handleAccountSnapshot)).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{account}/collateral/{asset}", s.instrument("collateral_balance", s.handleCollateralBalance)).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{account}/operations", s.instrument("account_operations", s.handleAccountOperations)).Methods(http.MethodGet)
	v1.HandleFunc("/operations", s.instrument("operations", s.handleLatestOperations)).Methods(http.MethodGet)
	v1.HandleFunc("/operations/{sequence}", s.instrument("operation", s.handleOperationBySequence)).Methods(http.MethodGet)
	v1.HandleFunc("/integrity", s.instrument("integrity", s.handleIntegrity)).Methods(http.MethodGet)

	// Writes.
	v1.HandleFunc("/deposit", s.instrument("deposit", s.handleDeposit)).Methods(http.MethodPost)
	v1.HandleFunc("/redeem", s.instrument("redeem", s.handleRedeem)).Methods(http.MethodPost)
	v1.HandleFunc("/deposit-and-mint", s.instrument("deposit_and_mint", s.handleDepositAndMint)).Methods(http.MethodPost)
	v1.HandleFunc("/redeem-for-repayment", s.instrument("redeem_for_repayment", s.handleRedeemForRepayment)).Methods(http.MethodPost)
	v1.HandleFunc("/mint", s.instrument("mint", s.handleMint)).Methods(http.MethodPost)
	v1.HandleFunc("/burn", s.instrument("burn", s.handleBurn)).Methods(http.MethodPost)
	v1.HandleFunc("/liquidate", s.instrument("liquidate", s.handleLiquidate)).Methods(http.MethodPost)

	return r
}

// --- request / response types ---

type depositRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	Mint    string `json:"mint,omitempty"`
}

type redeemRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	Repay   string `json:"repay,omitempty"`
}

type debtRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type liquidateRequest struct {
	Liquidator  string `json:"liquidator"`
	Borrower    string `json:"borrower"`
	Asset       string `json:"asset"`
	DebtToCover string `json:"debt_to_cover"`
}

type operationAccepted struct {
	Sequence  int64  `json:"sequence"`
	StateHash []byte `json:"state_hash"`
}

type accountSnapshotResponse struct {
	Account       string `json:"account"`
	Debt          string `json:"debt"`
	CollateralUSD string `json:"collateral_usd"`
	HealthFactor  string `json:"health_factor"`
}

type balanceResponse struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type valueResponse struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	USD    string `json:"usd,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- read handlers ---

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Params())
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	assets := s.engine.Assets()
	out := make([]string, len(assets))
	for i, a := range assets {
		out[i] = string(a)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"assets": out})
}

func (s *Server) handleUSDValue(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	amount, err := fixedpoint.ParseWad(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	usd, err := s.engine.USDValue(r.Context(), ledger.AssetID(asset), amount)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valueResponse{
		Asset:  asset,
		Amount: amount.Mantissa().String(),
		USD:    usd.Mantissa().String(),
	})
}

func (s *Server) handleAmountForUSD(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	usd, err := fixedpoint.ParseWad(r.URL.Query().Get("usd"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	amount, err := s.engine.AssetAmountForUSD(r.Context(), ledger.AssetID(asset), usd)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valueResponse{
		Asset:  asset,
		Amount: amount.Mantissa().String(),
		USD:    usd.Mantissa().String(),
	})
}

func (s *Server) handleAccountSnapshot(w http.ResponseWriter, r *http.Request) {
	acct := ledger.Account(mux.Vars(r)["account"])

	snap, err := s.engine.AccountSnapshot(r.Context(), acct)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountSnapshotResponse{
		Account:       string(snap.Account),
		Debt:          snap.Debt.Mantissa().String(),
		CollateralUSD: snap.CollateralUSD.Mantissa().String(),
		HealthFactor:  snap.HealthFactor.Mantissa().String(),
	})
}

func (s *Server) handleCollateralBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	acct := ledger.Account(vars["account"])
	asset := ledger.AssetID(vars["asset"])

	bal := s.engine.CollateralBalance(acct, asset)
	writeJSON(w, http.StatusOK, balanceResponse{
		Account: string(acct),
		Asset:   string(asset),
		Amount:  bal.Mantissa().String(),
	})
}

func (s *Server) handleAccountOperations(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	limit := queryInt(r, "limit", 0)

	var after *int64
	if v := r.URL.Query().Get("after"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		after = &seq
	}

	ops, err := s.queries.OperationsByAccount(r.Context(), account, limit, after)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

func (s *Server) handleLatestOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := s.queries.LatestOperations(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

func (s *Server) handleOperationBySequence(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(mux.Vars(r)["sequence"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	op, err := s.queries.OperationBySequence(r.Context(), seq)
	if errors.Is(err, query.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyChain(r.Context())
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- write handlers ---

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := fixedpoint.ParseWad(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = s.engine.DepositCollateral(r.Context(), ledger.Account(req.Account), ledger.AssetID(req.Asset), amount)
	s.finishWrite(w, err)
}

func (s *Server) handleDepositAndMint(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := fixedpoint.ParseWad(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mintAmount, err := fixedpoint.ParseWad(req.Mint)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = s.engine.DepositAndMint(r.Context(), ledger.Account(req.Account), ledger.AssetID(req.Asset), amount, mintAmount)
	s.finishWrite(w, err)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := fixedpoint.ParseWad(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = s.engine.RedeemCollateral(r.Context(), ledger.Account(req.Account), ledger.AssetID(req.Asset), amount)
	s.finishWrite(w, err)
}

func (s *Server) handleRedeemForRepayment(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := fixedpoint.ParseWad(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	repay, err := fixedpoint.ParseWad(req.Repay)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = s.engine.RedeemForDebtRepayment(r.Context(), ledger.Account(req.Account), ledger.AssetID(req.Asset), amount, repay)
	s.finishWrite(w, err)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req debtRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := fixedpoint.ParseWad(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = s.engine.Mint(r.Context(), ledger.Account(req.Account), amount)
	s.finishWrite(w, err)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req debtRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := fixedpoint.ParseWad(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = s.engine.Burn(r.Context(), ledger.Account(req.Account), amount)
	s.finishWrite(w, err)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	cover, err := fixedpoint.ParseWad(req.DebtToCover)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = s.engine.Liquidate(r.Context(), ledger.Account(req.Liquidator), ledger.AssetID(req.Asset), ledger.Account(req.Borrower), cover)
	s.finishWrite(w, err)
}

// --- plumbing ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) finishWrite(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	tip := s.engine.StateHash()
	writeJSON(w, http.StatusOK, operationAccepted{
		Sequence:  s.engine.Sequence(),
		StateHash: tip[:],
	})
}

// writeEngineError maps engine errors onto HTTP statuses. Malformed
// inputs are 400, solvency and serialization conflicts are 409,
// balance shortfalls are 422, stale prices are 503.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrZeroAmount),
		errors.Is(err, ledger.ErrAssetNotAllowed),
		errors.Is(err, oracle.ErrNoFeed):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, engine.ErrHealthFactorBroken),
		errors.Is(err, engine.ErrHealthFactorOk),
		errors.Is(err, engine.ErrHealthFactorNotImproved),
		errors.Is(err, engine.ErrReentrantCall):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, ledger.ErrInsufficientCollateral),
		errors.Is(err, ledger.ErrInsufficientDebt),
		errors.Is(err, engine.ErrMintFailed),
		errors.Is(err, engine.ErrTransferFailed):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, oracle.ErrStalePrice):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.log.Error().Err(err).Msg("unhandled engine error")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeStorageError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("query failed")
	writeError(w, http.StatusInternalServerError, errors.New("internal error"))
}

// instrument wraps a handler with request metrics.
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(sw.status)).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
