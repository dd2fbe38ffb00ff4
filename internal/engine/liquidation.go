package engine

import (
	"SynthLedger/internal/event"
	"SynthLedger/internal/fixedpoint"
	"SynthLedger/internal/ledger"
	"context"
	"time"
)

// Liquidate lets a third party cover part of an unhealthy borrower's debt
// in exchange for the equivalent collateral plus a bonus.
//
// The borrower must start below the solvency floor, the seizure must fit
// within their deposited balance (no partial cap — an oversized cover
// fails outright), the borrower's health factor must strictly improve,
// and the liquidator must themselves remain healthy afterwards. The
// liquidator's synth is burned and the seized collateral paid out only
// after every check passes.
func (e *Engine) Liquidate(ctx context.Context, liquidator ledger.Account, asset ledger.AssetID, borrower ledger.Account, debtToCover fixedpoint.Quantity) (err error) {
	start := time.Now()
	defer func() { e.finishOp("liquidate", start, err) }()

	if err = e.guard.enter(); err != nil {
		return err
	}
	defer e.guard.exit()
	e.mu.Lock()
	defer e.mu.Unlock()

	if !debtToCover.IsPositive() {
		err = ledger.ErrZeroAmount
		return err
	}

	startHealth, err := e.healthFactorOf(ctx, borrower)
	if err != nil {
		return err
	}
	if startHealth.Cmp(fixedpoint.MinHealthFactor) >= 0 {
		err = ErrHealthFactorOk
		return err
	}

	// Collateral equal to the covered debt, plus the bonus on top.
	base, err := e.valuation.AssetAmountForUSD(ctx, string(asset), debtToCover)
	if err != nil {
		return err
	}
	bonus := base.BonusOn()
	seized := base.Add(bonus)

	txn := e.ledger.Begin()
	defer txn.Rollback()

	if err = txn.Withdraw(borrower, asset, seized); err != nil {
		return err
	}
	if err = txn.DecreaseDebt(borrower, debtToCover); err != nil {
		return err
	}

	endHealth, err := e.healthFactorOf(ctx, borrower)
	if err != nil {
		return err
	}
	if endHealth.Cmp(startHealth) <= 0 {
		err = ErrHealthFactorNotImproved
		return err
	}
	if err = e.assertHealthy(ctx, liquidator); err != nil {
		return err
	}

	if err = e.burnSynth(ctx, liquidator, debtToCover); err != nil {
		return err
	}
	if err = e.payoutCompensating(ctx, liquidator, asset, seized, debtToCover); err != nil {
		return err
	}

	txn.Commit()
	e.emit(event.KindLiquidation, liquidator, event.LiquidationPayload{
		Borrower:    string(borrower),
		Asset:       string(asset),
		DebtCovered: debtToCover.Mantissa().String(),
		Seized:      seized.Mantissa().String(),
		Bonus:       bonus.Mantissa().String(),
		StartHealth: startHealth.Mantissa().String(),
		EndHealth:   endHealth.Mantissa().String(),
	})

	if e.metrics != nil {
		e.metrics.LiquidationsTotal.WithLabelValues(string(asset)).Inc()
	}
	return nil
}
