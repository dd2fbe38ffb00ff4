package ledger

import (
	"SynthLedger/internal/oracle"
	"errors"
	"fmt"
)

// AssetID identifies a collateral asset, e.g. "ETH".
type AssetID string

// Account identifies a position owner. Opaque to the ledger.
type Account string

var (
	// ErrRegistryLengthMismatch means the asset and feed lists passed at
	// construction were not the same length.
	ErrRegistryLengthMismatch = errors.New("ledger: asset and feed lists differ in length")

	// ErrAssetNotAllowed means the asset is not in the registry.
	ErrAssetNotAllowed = errors.New("ledger: asset not allowed")
)

// Registry is the immutable set of accepted collateral assets and their
// price feeds, fixed at construction. Iteration order is the order the
// assets were supplied in.
type Registry struct {
	assets []AssetID
	feeds  map[AssetID]oracle.PriceFeed
}

// NewRegistry pairs assets with feeds positionally. Both lists must have
// the same length and assets must be unique.
func NewRegistry(assets []AssetID, feeds []oracle.PriceFeed) (*Registry, error) {
	if len(assets) != len(feeds) {
		return nil, fmt.Errorf("%w: %d assets, %d feeds", ErrRegistryLengthMismatch, len(assets), len(feeds))
	}

	r := &Registry{
		assets: make([]AssetID, 0, len(assets)),
		feeds:  make(map[AssetID]oracle.PriceFeed, len(assets)),
	}
	for i, asset := range assets {
		if _, dup := r.feeds[asset]; dup {
			return nil, fmt.Errorf("ledger: duplicate asset %s", asset)
		}
		if feeds[i] == nil {
			return nil, fmt.Errorf("ledger: nil feed for asset %s", asset)
		}
		r.assets = append(r.assets, asset)
		r.feeds[asset] = feeds[i]
	}
	return r, nil
}

// Assets returns the registered assets in registration order.
func (r *Registry) Assets() []AssetID {
	out := make([]AssetID, len(r.assets))
	copy(out, r.assets)
	return out
}

// Allowed reports whether the asset is registered.
func (r *Registry) Allowed(asset AssetID) bool {
	_, ok := r.feeds[asset]
	return ok
}

// FeedOf resolves an asset's price feed. Satisfies oracle.FeedSource.
func (r *Registry) FeedOf(asset string) (oracle.PriceFeed, bool) {
	f, ok := r.feeds[AssetID(asset)]
	return f, ok
}
