package ledger

import (
	"SynthLedger/internal/fixedpoint"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrZeroAmount rejects zero or negative amounts at every mutator.
	ErrZeroAmount = errors.New("ledger: amount must be positive")

	// ErrInsufficientCollateral means a withdrawal exceeds the account's
	// deposited balance for that asset.
	ErrInsufficientCollateral = errors.New("ledger: insufficient collateral")

	// ErrInsufficientDebt means a repayment exceeds the account's
	// outstanding debt.
	ErrInsufficientDebt = errors.New("ledger: insufficient debt")
)

// Ledger tracks per-account collateral balances and synthetic debt. All
// quantities are wad-scale and never negative. Mutations go through a Txn
// so a failed multi-step operation can be rolled back exactly.
type Ledger struct {
	mu       sync.RWMutex
	registry *Registry

	collateral map[Account]map[AssetID]fixedpoint.Quantity
	debt       map[Account]fixedpoint.Quantity
}

func New(registry *Registry) *Ledger {
	return &Ledger{
		registry:   registry,
		collateral: make(map[Account]map[AssetID]fixedpoint.Quantity),
		debt:       make(map[Account]fixedpoint.Quantity),
	}
}

// Registry returns the asset registry the ledger was built with.
func (l *Ledger) Registry() *Registry {
	return l.registry
}

// CollateralOf returns the account's deposited balance for one asset.
// Unknown accounts and assets read as zero.
func (l *Ledger) CollateralOf(acct Account, asset AssetID) fixedpoint.Quantity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if balances, ok := l.collateral[acct]; ok {
		if q, ok := balances[asset]; ok {
			return q
		}
	}
	return fixedpoint.ZeroWad()
}

// DebtOf returns the account's outstanding synthetic debt.
func (l *Ledger) DebtOf(acct Account) fixedpoint.Quantity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if d, ok := l.debt[acct]; ok {
		return d
	}
	return fixedpoint.ZeroWad()
}

// TotalDebt returns the sum of all outstanding debt. Used by the global
// accounting check: total minted synth must equal this.
func (l *Ledger) TotalDebt() fixedpoint.Quantity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := fixedpoint.ZeroWad()
	for _, d := range l.debt {
		total = total.Add(d)
	}
	return total
}

func validateAmount(amount fixedpoint.Quantity) error {
	if !amount.IsPositive() {
		return ErrZeroAmount
	}
	return nil
}

// deposit adds collateral. Caller holds no lock.
func (l *Ledger) deposit(acct Account, asset AssetID, amount fixedpoint.Quantity) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if !l.registry.Allowed(asset) {
		return fmt.Errorf("%w: %s", ErrAssetNotAllowed, asset)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.addCollateralLocked(acct, asset, amount)
	return nil
}

// withdraw removes collateral, failing if the balance is too small.
func (l *Ledger) withdraw(acct Account, asset AssetID, amount fixedpoint.Quantity) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if !l.registry.Allowed(asset) {
		return fmt.Errorf("%w: %s", ErrAssetNotAllowed, asset)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.collateralLocked(acct, asset)
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, want %s", ErrInsufficientCollateral, current, amount)
	}
	l.setCollateralLocked(acct, asset, current.Sub(amount))
	return nil
}

// increaseDebt records newly minted debt.
func (l *Ledger) increaseDebt(acct Account, amount fixedpoint.Quantity) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debt[acct] = l.debtLocked(acct).Add(amount)
	return nil
}

// decreaseDebt records a repayment, failing if it exceeds the debt.
func (l *Ledger) decreaseDebt(acct Account, amount fixedpoint.Quantity) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.debtLocked(acct)
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, repay %s", ErrInsufficientDebt, current, amount)
	}
	l.debt[acct] = current.Sub(amount)
	return nil
}

// --- unchecked inverse ops for Txn rollback; the inverse of a validated
// op cannot underflow ---

func (l *Ledger) addCollateral(acct Account, asset AssetID, amount fixedpoint.Quantity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addCollateralLocked(acct, asset, amount)
}

func (l *Ledger) subCollateral(acct Account, asset AssetID, amount fixedpoint.Quantity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setCollateralLocked(acct, asset, l.collateralLocked(acct, asset).Sub(amount))
}

func (l *Ledger) addDebt(acct Account, amount fixedpoint.Quantity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debt[acct] = l.debtLocked(acct).Add(amount)
}

func (l *Ledger) subDebt(acct Account, amount fixedpoint.Quantity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debt[acct] = l.debtLocked(acct).Sub(amount)
}

// --- locked helpers ---

func (l *Ledger) collateralLocked(acct Account, asset AssetID) fixedpoint.Quantity {
	if balances, ok := l.collateral[acct]; ok {
		if q, ok := balances[asset]; ok {
			return q
		}
	}
	return fixedpoint.ZeroWad()
}

func (l *Ledger) debtLocked(acct Account) fixedpoint.Quantity {
	if d, ok := l.debt[acct]; ok {
		return d
	}
	return fixedpoint.ZeroWad()
}

func (l *Ledger) addCollateralLocked(acct Account, asset AssetID, amount fixedpoint.Quantity) {
	l.setCollateralLocked(acct, asset, l.collateralLocked(acct, asset).Add(amount))
}

func (l *Ledger) setCollateralLocked(acct Account, asset AssetID, amount fixedpoint.Quantity) {
	balances, ok := l.collateral[acct]
	if !ok {
		balances = make(map[AssetID]fixedpoint.Quantity)
		l.collateral[acct] = balances
	}
	balances[asset] = amount
}

// Snapshot returns a deep copy of all balances and debt, keyed by string
// for serialization. Mantissas are rendered as decimal integer strings.
func (l *Ledger) Snapshot() (collateral map[string]map[string]string, debt map[string]string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	collateral = make(map[string]map[string]string, len(l.collateral))
	for acct, balances := range l.collateral {
		m := make(map[string]string, len(balances))
		for asset, q := range balances {
			if q.IsZero() {
				continue
			}
			m[string(asset)] = q.Mantissa().String()
		}
		if len(m) > 0 {
			collateral[string(acct)] = m
		}
	}

	debt = make(map[string]string, len(l.debt))
	for acct, d := range l.debt {
		if d.IsZero() {
			continue
		}
		debt[string(acct)] = d.Mantissa().String()
	}
	return collateral, debt
}

// Restore replaces all state from a snapshot produced by Snapshot.
func (l *Ledger) Restore(collateral map[string]map[string]string, debt map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	newCollateral := make(map[Account]map[AssetID]fixedpoint.Quantity, len(collateral))
	for acct, balances := range collateral {
		m := make(map[AssetID]fixedpoint.Quantity, len(balances))
		for asset, s := range balances {
			q, err := fixedpoint.ParseWad(s)
			if err != nil {
				return fmt.Errorf("restore collateral %s/%s: %w", acct, asset, err)
			}
			m[AssetID(asset)] = q
		}
		newCollateral[Account(acct)] = m
	}

	newDebt := make(map[Account]fixedpoint.Quantity, len(debt))
	for acct, s := range debt {
		q, err := fixedpoint.ParseWad(s)
		if err != nil {
			return fmt.Errorf("restore debt %s: %w", acct, err)
		}
		newDebt[Account(acct)] = q
	}

	l.collateral = newCollateral
	l.debt = newDebt
	return nil
}
