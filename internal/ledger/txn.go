package ledger

import "SynthLedger/internal/fixedpoint"

// Txn groups ledger mutations so a multi-step operation can be undone as
// a unit. Each successful mutator pushes its exact inverse onto an undo
// log; Rollback replays the log in reverse, restoring the pre-transaction
// state. Commit discards the log.
//
// A Txn is not safe for concurrent use; the engine serializes all
// mutating operations.
type Txn struct {
	l    *Ledger
	undo []func()
	done bool
}

// Begin opens a transaction against the ledger.
func (l *Ledger) Begin() *Txn {
	return &Txn{l: l}
}

// Deposit adds collateral to an account.
func (t *Txn) Deposit(acct Account, asset AssetID, amount fixedpoint.Quantity) error {
	if err := t.l.deposit(acct, asset, amount); err != nil {
		return err
	}
	t.undo = append(t.undo, func() { t.l.subCollateral(acct, asset, amount) })
	return nil
}

// Withdraw removes collateral from an account.
func (t *Txn) Withdraw(acct Account, asset AssetID, amount fixedpoint.Quantity) error {
	if err := t.l.withdraw(acct, asset, amount); err != nil {
		return err
	}
	t.undo = append(t.undo, func() { t.l.addCollateral(acct, asset, amount) })
	return nil
}

// IncreaseDebt records newly minted debt against an account.
func (t *Txn) IncreaseDebt(acct Account, amount fixedpoint.Quantity) error {
	if err := t.l.increaseDebt(acct, amount); err != nil {
		return err
	}
	t.undo = append(t.undo, func() { t.l.subDebt(acct, amount) })
	return nil
}

// DecreaseDebt records a repayment against an account.
func (t *Txn) DecreaseDebt(acct Account, amount fixedpoint.Quantity) error {
	if err := t.l.decreaseDebt(acct, amount); err != nil {
		return err
	}
	t.undo = append(t.undo, func() { t.l.addDebt(acct, amount) })
	return nil
}

// Rollback undoes every mutation applied through this transaction, in
// reverse order. Safe to call after Commit (it becomes a no-op).
func (t *Txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// Commit makes the transaction's mutations permanent.
func (t *Txn) Commit() {
	t.done = true
	t.undo = nil
}
