package token

import (
	"SynthLedger/internal/fixedpoint"
	"context"
	"errors"
	"fmt"
	"sync"
)

// The engine treats token implementations as external collaborators: any
// call into them may fail, and may call back into the engine. Contexts are
// threaded through so network-backed implementations can be cancelled.

// SynthToken is the synthetic asset the engine mints against collateral.
type SynthToken interface {
	Mint(ctx context.Context, to string, amount fixedpoint.Quantity) error
	Burn(ctx context.Context, from string, amount fixedpoint.Quantity) error
	TransferFrom(ctx context.Context, from, to string, amount fixedpoint.Quantity) error
	TotalSupply() fixedpoint.Quantity
}

// CollateralAsset is an accepted collateral token held in engine custody.
type CollateralAsset interface {
	Transfer(ctx context.Context, from, to string, amount fixedpoint.Quantity) error
	TransferFrom(ctx context.Context, from, to string, amount fixedpoint.Quantity) error
	BalanceOf(holder string) fixedpoint.Quantity
}

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
)

// Token is an in-memory fungible token implementing both SynthToken and
// CollateralAsset. Default wiring and tests use it as the plumbing the
// engine moves value through.
type Token struct {
	mu         sync.Mutex
	symbol     string
	balances   map[string]fixedpoint.Quantity
	allowances map[string]map[string]fixedpoint.Quantity
	supply     fixedpoint.Quantity
}

func NewToken(symbol string) *Token {
	return &Token{
		symbol:     symbol,
		balances:   make(map[string]fixedpoint.Quantity),
		allowances: make(map[string]map[string]fixedpoint.Quantity),
		supply:     fixedpoint.ZeroWad(),
	}
}

func (t *Token) Symbol() string {
	return t.symbol
}

func (t *Token) Mint(_ context.Context, to string, amount fixedpoint.Quantity) error {
	if !amount.IsPositive() {
		return fmt.Errorf("token %s: mint amount must be positive", t.symbol)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[to] = t.balanceLocked(to).Add(amount)
	t.supply = t.supply.Add(amount)
	return nil
}

func (t *Token) Burn(_ context.Context, from string, amount fixedpoint.Quantity) error {
	if !amount.IsPositive() {
		return fmt.Errorf("token %s: burn amount must be positive", t.symbol)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bal := t.balanceLocked(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s burn %s has %s", ErrInsufficientBalance, t.symbol, amount, bal)
	}
	t.balances[from] = bal.Sub(amount)
	t.supply = t.supply.Sub(amount)
	return nil
}

func (t *Token) Transfer(_ context.Context, from, to string, amount fixedpoint.Quantity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moveLocked(from, to, amount)
}

// TransferFrom moves tokens on behalf of the holder, consuming allowance.
func (t *Token) TransferFrom(_ context.Context, from, to string, amount fixedpoint.Quantity) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := t.allowanceLocked(from, to)
	if allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s from %s to %s", ErrInsufficientAllowance, t.symbol, from, to)
	}
	if err := t.moveLocked(from, to, amount); err != nil {
		return err
	}
	t.allowances[from][to] = allowed.Sub(amount)
	return nil
}

// Approve lets spender pull up to amount from holder via TransferFrom.
func (t *Token) Approve(holder, spender string, amount fixedpoint.Quantity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.allowances[holder]
	if !ok {
		m = make(map[string]fixedpoint.Quantity)
		t.allowances[holder] = m
	}
	m[spender] = amount
}

func (t *Token) Allowance(holder, spender string) fixedpoint.Quantity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowanceLocked(holder, spender)
}

func (t *Token) BalanceOf(holder string) fixedpoint.Quantity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balanceLocked(holder)
}

func (t *Token) TotalSupply() fixedpoint.Quantity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supply
}

func (t *Token) balanceLocked(holder string) fixedpoint.Quantity {
	if b, ok := t.balances[holder]; ok {
		return b
	}
	return fixedpoint.ZeroWad()
}

func (t *Token) allowanceLocked(holder, spender string) fixedpoint.Quantity {
	if m, ok := t.allowances[holder]; ok {
		if a, ok := m[spender]; ok {
			return a
		}
	}
	return fixedpoint.ZeroWad()
}

func (t *Token) moveLocked(from, to string, amount fixedpoint.Quantity) error {
	if !amount.IsPositive() {
		return fmt.Errorf("token %s: transfer amount must be positive", t.symbol)
	}
	bal := t.balanceLocked(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s transfer %s has %s", ErrInsufficientBalance, t.symbol, amount, bal)
	}
	t.balances[from] = bal.Sub(amount)
	t.balances[to] = t.balanceLocked(to).Add(amount)
	return nil
}
