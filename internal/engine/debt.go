package engine

import (
	"SynthLedger/internal/event"
	"SynthLedger/internal/fixedpoint"
	"SynthLedger/internal/ledger"
	"context"
	"fmt"
	"time"
)

// Mint issues synth against the account's existing collateral. The debt is
// recorded first and checked against the solvency floor; a broken health
// factor or a refused token mint rolls everything back.
func (e *Engine) Mint(ctx context.Context, acct ledger.Account, amount fixedpoint.Quantity) (err error) {
	start := time.Now()
	defer func() { e.finishOp("mint", start, err) }()

	if err = e.guard.enter(); err != nil {
		return err
	}
	defer e.guard.exit()
	e.mu.Lock()
	defer e.mu.Unlock()

	txn := e.ledger.Begin()
	defer txn.Rollback()

	if err = txn.IncreaseDebt(acct, amount); err != nil {
		return err
	}
	if err = e.assertHealthy(ctx, acct); err != nil {
		return err
	}
	if mintErr := e.synth.Mint(ctx, string(acct), amount); mintErr != nil {
		err = fmt.Errorf("%w: %v", ErrMintFailed, mintErr)
		return err
	}

	txn.Commit()
	e.emit(event.KindMint, acct, event.MintPayload{
		Amount: amount.Mantissa().String(),
	})
	return nil
}

// Burn repays debt by destroying synth held by the account. Burning can
// only raise the health factor, so no solvency check is needed.
func (e *Engine) Burn(ctx context.Context, acct ledger.Account, amount fixedpoint.Quantity) (err error) {
	start := time.Now()
	defer func() { e.finishOp("burn", start, err) }()

	if err = e.guard.enter(); err != nil {
		return err
	}
	defer e.guard.exit()
	e.mu.Lock()
	defer e.mu.Unlock()

	txn := e.ledger.Begin()
	defer txn.Rollback()

	if err = txn.DecreaseDebt(acct, amount); err != nil {
		return err
	}
	if err = e.burnSynth(ctx, acct, amount); err != nil {
		return err
	}

	txn.Commit()
	e.emit(event.KindBurn, acct, event.BurnPayload{
		Amount: amount.Mantissa().String(),
		Payer:  string(acct),
	})
	return nil
}
