package oracle

import (
	"SynthLedger/internal/fixedpoint"
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// DefaultStaleAfter is the maximum quote age before a feed is treated as
// unusable. Matches the 3h heartbeat of the reference feeds.
const DefaultStaleAfter = 3 * time.Hour

var (
	// ErrStalePrice covers every unusable quote: too old, zero, negative,
	// or missing. Callers only need to know the valuation is not safe to
	// act on.
	ErrStalePrice = errors.New("oracle: stale or invalid price")

	// ErrNoFeed means the asset has no registered feed.
	ErrNoFeed = errors.New("oracle: no feed for asset")
)

// Valuation converts between asset amounts and USD values using the
// registered price feeds. Prices arrive at FeedDecimals scale and are
// lifted to wad scale before use, so USDValue and AssetAmountForUSD are
// exact inverses up to truncation.
type Valuation struct {
	feeds      FeedSource
	staleAfter time.Duration
	now        func() time.Time
}

// NewValuation builds a Valuation over the given feed source. A
// non-positive staleAfter falls back to DefaultStaleAfter.
func NewValuation(feeds FeedSource, staleAfter time.Duration) *Valuation {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Valuation{
		feeds:      feeds,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// USDValue returns the wad-scale USD value of an asset amount:
// amount * price / 1e18, with the 8-decimal feed price lifted to wad.
func (v *Valuation) USDValue(ctx context.Context, asset string, amount fixedpoint.Quantity) (fixedpoint.Quantity, error) {
	priceWad, err := v.wadPrice(ctx, asset)
	if err != nil {
		return fixedpoint.Quantity{}, err
	}
	return amount.MulDiv(priceWad.Mantissa(), fixedpoint.Precision), nil
}

// AssetAmountForUSD returns the asset amount worth the given wad-scale
// USD value: usd * 1e18 / price. The inverse of USDValue up to truncation.
func (v *Valuation) AssetAmountForUSD(ctx context.Context, asset string, usd fixedpoint.Quantity) (fixedpoint.Quantity, error) {
	priceWad, err := v.wadPrice(ctx, asset)
	if err != nil {
		return fixedpoint.Quantity{}, err
	}
	return usd.MulDiv(fixedpoint.Precision, priceWad.Mantissa()), nil
}

func (v *Valuation) wadPrice(ctx context.Context, asset string) (fixedpoint.Quantity, error) {
	feed, ok := v.feeds.FeedOf(asset)
	if !ok {
		return fixedpoint.Quantity{}, fmt.Errorf("%w: %s", ErrNoFeed, asset)
	}

	price, updatedAt, err := feed.LatestPrice(ctx)
	if err != nil {
		return fixedpoint.Quantity{}, fmt.Errorf("%w: %s: %v", ErrStalePrice, asset, err)
	}
	if price == nil || price.Sign() <= 0 {
		return fixedpoint.Quantity{}, fmt.Errorf("%w: %s: non-positive quote", ErrStalePrice, asset)
	}
	if age := v.now().Sub(updatedAt); age > v.staleAfter {
		return fixedpoint.Quantity{}, fmt.Errorf("%w: %s: quote is %s old", ErrStalePrice, asset, age)
	}

	return fixedpoint.Wad(new(big.Int).Mul(price, fixedpoint.FeedScale)), nil
}
