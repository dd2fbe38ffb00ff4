package engine

import (
	"SynthLedger/internal/fixedpoint"
	"SynthLedger/internal/ledger"
	"SynthLedger/internal/oracle"
	"errors"
	"fmt"
)

var (
	// ErrReentrantCall means a guarded entry point was entered while
	// another operation held the guard.
	ErrReentrantCall = errors.New("engine: reentrant call")

	// ErrHealthFactorBroken is the base error every HealthFactorError
	// unwraps to.
	ErrHealthFactorBroken = errors.New("engine: health factor below minimum")

	// ErrHealthFactorOk rejects liquidating an account that is healthy.
	ErrHealthFactorOk = errors.New("engine: health factor ok, nothing to liquidate")

	// ErrHealthFactorNotImproved rejects a liquidation that did not
	// strictly improve the borrower's health factor.
	ErrHealthFactorNotImproved = errors.New("engine: health factor not improved")

	// ErrMintFailed wraps a synth token mint that was refused.
	ErrMintFailed = errors.New("engine: mint failed")

	// ErrTransferFailed wraps any token movement that was refused.
	ErrTransferFailed = errors.New("engine: transfer failed")
)

// HealthFactorError reports the ratio that broke the solvency floor.
type HealthFactorError struct {
	Account ledger.Account
	Ratio   fixedpoint.Quantity
}

func (e *HealthFactorError) Error() string {
	return fmt.Sprintf("engine: health factor broken for %s: %s", e.Account, e.Ratio)
}

func (e *HealthFactorError) Unwrap() error {
	return ErrHealthFactorBroken
}

// rejectReason maps an operation error onto a metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ledger.ErrAssetNotAllowed):
		return "asset_not_allowed"
	case errors.Is(err, ledger.ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ledger.ErrInsufficientDebt):
		return "insufficient_debt"
	case errors.Is(err, oracle.ErrStalePrice), errors.Is(err, oracle.ErrNoFeed):
		return "stale_price"
	case errors.Is(err, ErrHealthFactorBroken):
		return "health_factor_broken"
	case errors.Is(err, ErrHealthFactorOk):
		return "health_factor_ok"
	case errors.Is(err, ErrHealthFactorNotImproved):
		return "not_improved"
	case errors.Is(err, ErrMintFailed):
		return "mint_failed"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant"
	default:
		return "other"
	}
}
