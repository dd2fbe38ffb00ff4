package engine

import "sync/atomic"

// guard is the engine's reentrancy lock: a flag acquired at every mutating
// entry point and released on exit. External collaborators (tokens, feeds)
// may call back into the engine while an operation is in flight; any such
// re-entry fails fast with ErrReentrantCall instead of observing
// half-applied state.
type guard struct {
	entered atomic.Bool
}

// enter acquires the guard. Returns ErrReentrantCall if it is already held.
func (g *guard) enter() error {
	if !g.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

// exit releases the guard.
func (g *guard) exit() {
	g.entered.Store(false)
}
