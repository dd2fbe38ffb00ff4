package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// PriceFeed reports the latest quote for one asset in USD, as an integer
// mantissa at FeedDecimals (8) scale, plus the time the quote was set.
type PriceFeed interface {
	LatestPrice(ctx context.Context) (price *big.Int, updatedAt time.Time, err error)
}

// FeedSource resolves an asset id to its price feed. Implemented by the
// asset registry; defined here so the oracle package stays free of
// ledger imports.
type FeedSource interface {
	FeedOf(asset string) (PriceFeed, bool)
}

// StaticFeed is an in-memory PriceFeed with a settable quote. Used for
// local wiring and tests.
type StaticFeed struct {
	mu        sync.RWMutex
	price     *big.Int
	updatedAt time.Time
}

// NewStaticFeed creates a feed with an initial quote at FeedDecimals scale.
func NewStaticFeed(price *big.Int, updatedAt time.Time) *StaticFeed {
	return &StaticFeed{
		price:     new(big.Int).Set(price),
		updatedAt: updatedAt,
	}
}

// SetPrice replaces the quote.
func (f *StaticFeed) SetPrice(price *big.Int, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = new(big.Int).Set(price)
	f.updatedAt = updatedAt
}

func (f *StaticFeed) LatestPrice(_ context.Context) (*big.Int, time.Time, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return new(big.Int).Set(f.price), f.updatedAt, nil
}
