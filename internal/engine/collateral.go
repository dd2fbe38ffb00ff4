package engine

import (
	"SynthLedger/internal/event"
	"SynthLedger/internal/fixedpoint"
	"SynthLedger/internal/ledger"
	"context"
	"fmt"
	"time"
)

// Operations follow a fixed shape: acquire the guard, apply all ledger
// effects through an undo-logged transaction, check health, and only then
// cross into the external tokens. Any failure rolls the transaction back,
// leaving the ledger exactly as it was. When an operation needs two
// external movements, the one the engine can reliably compensate (a mint,
// or a transfer out of its own custody) goes last.

// DepositCollateral credits the account and pulls the asset into custody.
// Depositing never requires a health check — it can only improve one.
func (e *Engine) DepositCollateral(ctx context.Context, acct ledger.Account, asset ledger.AssetID, amount fixedpoint.Quantity) (err error) {
	start := time.Now()
	defer func() { e.finishOp("deposit", start, err) }()

	if err = e.guard.enter(); err != nil {
		return err
	}
	defer e.guard.exit()
	e.mu.Lock()
	defer e.mu.Unlock()

	txn := e.ledger.Begin()
	defer txn.Rollback()

	if err = txn.Deposit(acct, asset, amount); err != nil {
		return err
	}
	if err = e.pullCollateral(ctx, acct, asset, amount); err != nil {
		return err
	}

	txn.Commit()
	e.emit(event.KindDeposit, acct, event.DepositPayload{
		Asset:  string(asset),
		Amount: amount.Mantissa().String(),
	})
	return nil
}

// RedeemCollateral withdraws collateral back to the account. Fails if the
// account would drop below the solvency floor.
func (e *Engine) RedeemCollateral(ctx context.Context, acct ledger.Account, asset ledger.AssetID, amount fixedpoint.Quantity) (err error) {
	start := time.Now()
	defer func() { e.finishOp("redeem", start, err) }()

	if err = e.guard.enter(); err != nil {
		return err
	}
	defer e.guard.exit()
	e.mu.Lock()
	defer e.mu.Unlock()

	txn := e.ledger.Begin()
	defer txn.Rollback()

	if err = txn.Withdraw(acct, asset, amount); err != nil {
		return err
	}
	if err = e.assertHealthy(ctx, acct); err != nil {
		return err
	}
	if err = e.payoutCollateral(ctx, acct, asset, amount); err != nil {
		return err
	}

	txn.Commit()
	e.emit(event.KindRedeem, acct, event.RedeemPayload{
		Asset:  string(asset),
		Amount: amount.Mantissa().String(),
		To:     string(acct),
	})
	return nil
}

// DepositAndMint deposits collateral and mints synth as one atomic
// operation: if the mint is refused, the deposit is undone too.
func (e *Engine) DepositAndMint(ctx context.Context, acct ledger.Account, asset ledger.AssetID, amount, mintAmount fixedpoint.Quantity) (err error) {
	start := time.Now()
	defer func() { e.finishOp("deposit_and_mint", start, err) }()

	if err = e.guard.enter(); err != nil {
		return err
	}
	defer e.guard.exit()
	e.mu.Lock()
	defer e.mu.Unlock()

	txn := e.ledger.Begin()
	defer txn.Rollback()

	if err = txn.Deposit(acct, asset, amount); err != nil {
		return err
	}
	if err = txn.IncreaseDebt(acct, mintAmount); err != nil {
		return err
	}
	if err = e.assertHealthy(ctx, acct); err != nil {
		return err
	}

	if err = e.pullCollateral(ctx, acct, asset, amount); err != nil {
		return err
	}
	if mintErr := e.synth.Mint(ctx, string(acct), mintAmount); mintErr != nil {
		// The collateral is already in custody; hand it back before
		// rolling the ledger back.
		if retErr := e.payoutCollateral(ctx, acct, asset, amount); retErr != nil {
			e.log.Error().Err(retErr).Str("account", string(acct)).
				Msg("collateral return after failed mint also failed")
		}
		err = fmt.Errorf("%w: %v", ErrMintFailed, mintErr)
		return err
	}

	txn.Commit()
	e.emit(event.KindDeposit, acct, event.DepositPayload{
		Asset:  string(asset),
		Amount: amount.Mantissa().String(),
		Minted: mintAmount.Mantissa().String(),
	})
	return nil
}

// RedeemForDebtRepayment burns synth against the account's debt and
// withdraws collateral in one atomic operation.
func (e *Engine) RedeemForDebtRepayment(ctx context.Context, acct ledger.Account, asset ledger.AssetID, amount, repayAmount fixedpoint.Quantity) (err error) {
	start := time.Now()
	defer func() { e.finishOp("redeem_for_repayment", start, err) }()

	if err = e.guard.enter(); err != nil {
		return err
	}
	defer e.guard.exit()
	e.mu.Lock()
	defer e.mu.Unlock()

	txn := e.ledger.Begin()
	defer txn.Rollback()

	if err = txn.DecreaseDebt(acct, repayAmount); err != nil {
		return err
	}
	if err = txn.Withdraw(acct, asset, amount); err != nil {
		return err
	}
	if err = e.assertHealthy(ctx, acct); err != nil {
		return err
	}

	if err = e.burnSynth(ctx, acct, repayAmount); err != nil {
		return err
	}
	if err = e.payoutCompensating(ctx, acct, asset, amount, repayAmount); err != nil {
		return err
	}

	txn.Commit()
	e.emit(event.KindRedeem, acct, event.RedeemPayload{
		Asset:  string(asset),
		Amount: amount.Mantissa().String(),
		To:     string(acct),
		Repaid: repayAmount.Mantissa().String(),
	})
	return nil
}

// pullCollateral moves the asset from the account into engine custody.
func (e *Engine) pullCollateral(ctx context.Context, acct ledger.Account, asset ledger.AssetID, amount fixedpoint.Quantity) error {
	tok := e.collateral[asset]
	if err := tok.TransferFrom(ctx, string(acct), CustodyAccount, amount); err != nil {
		return fmt.Errorf("%w: pull %s %s from %s: %v", ErrTransferFailed, amount, asset, acct, err)
	}
	return nil
}

// payoutCollateral moves the asset from custody to the recipient.
func (e *Engine) payoutCollateral(ctx context.Context, to ledger.Account, asset ledger.AssetID, amount fixedpoint.Quantity) error {
	tok := e.collateral[asset]
	if err := tok.Transfer(ctx, CustodyAccount, string(to), amount); err != nil {
		return fmt.Errorf("%w: pay out %s %s to %s: %v", ErrTransferFailed, amount, asset, to, err)
	}
	return nil
}

// payoutCompensating pays collateral out of custody after a burn; if the
// payout is refused, the burned synth is minted back before failing.
func (e *Engine) payoutCompensating(ctx context.Context, to ledger.Account, asset ledger.AssetID, amount, burned fixedpoint.Quantity) error {
	if err := e.payoutCollateral(ctx, to, asset, amount); err != nil {
		if mintErr := e.synth.Mint(ctx, string(to), burned); mintErr != nil {
			e.log.Error().Err(mintErr).Str("account", string(to)).
				Msg("synth restore after failed payout also failed")
		}
		return err
	}
	return nil
}

// burnSynth destroys synth held by the payer.
func (e *Engine) burnSynth(ctx context.Context, payer ledger.Account, amount fixedpoint.Quantity) error {
	if err := e.synth.Burn(ctx, string(payer), amount); err != nil {
		return fmt.Errorf("%w: burn %s synth from %s: %v", ErrTransferFailed, amount, payer, err)
	}
	return nil
}
