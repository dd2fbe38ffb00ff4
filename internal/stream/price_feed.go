package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"SynthLedger/internal/observability"
	"SynthLedger/internal/oracle"
)

const priceSubjectPrefix = "synth.prices"

// ErrNoQuote is returned before the first update for an asset arrives.
var ErrNoQuote = errors.New("no quote received yet")

// priceUpdate is the wire form published by the price relayer.
// Price is an integer mantissa at feed scale (8 decimals).
type priceUpdate struct {
	Price     string    `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NATSFeed holds the latest quote for one asset. It implements
// oracle.PriceFeed; staleness is judged by the caller against the
// relayer-supplied update time, not the local receive time.
type NATSFeed struct {
	asset string

	mu        sync.RWMutex
	price     *big.Int
	updatedAt time.Time
}

func (f *NATSFeed) LatestPrice(_ context.Context) (*big.Int, time.Time, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.price == nil {
		return nil, time.Time{}, fmt.Errorf("%s: %w", f.asset, ErrNoQuote)
	}
	return new(big.Int).Set(f.price), f.updatedAt, nil
}

func (f *NATSFeed) set(price *big.Int, updatedAt time.Time) {
	f.mu.Lock()
	f.price = price
	f.updatedAt = updatedAt
	f.mu.Unlock()
}

// PriceSubscriber maintains one NATSFeed per configured asset, fed by
// core NATS subscriptions on synth.prices.{asset}. Prices are
// last-value state, so plain subscriptions are used instead of
// JetStream: a quote missed during downtime is superseded by the next
// one, and the staleness window rejects reads until it arrives.
type PriceSubscriber struct {
	nc      *nats.Conn
	feeds   map[string]*NATSFeed
	metrics *observability.Metrics
	log     zerolog.Logger
	subs    []*nats.Subscription
}

func NewPriceSubscriber(nc *nats.Conn, assets []string, metrics *observability.Metrics, log zerolog.Logger) *PriceSubscriber {
	feeds := make(map[string]*NATSFeed, len(assets))
	for _, a := range assets {
		feeds[a] = &NATSFeed{asset: a}
	}
	return &PriceSubscriber{
		nc:      nc,
		feeds:   feeds,
		metrics: metrics,
		log:     log.With().Str("component", "price_subscriber").Logger(),
	}
}

// Feed returns the feed for asset, or nil if the asset is not configured.
func (s *PriceSubscriber) Feed(asset string) oracle.PriceFeed {
	f, ok := s.feeds[asset]
	if !ok {
		return nil
	}
	return f
}

// Subscribe starts one subscription per configured asset.
func (s *PriceSubscriber) Subscribe() error {
	for asset, feed := range s.feeds {
		subject := fmt.Sprintf("%s.%s", priceSubjectPrefix, asset)
		sub, err := s.nc.Subscribe(subject, s.handler(asset, feed))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
		s.log.Info().Str("subject", subject).Msg("subscribed to price feed")
	}
	return nil
}

func (s *PriceSubscriber) handler(asset string, feed *NATSFeed) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var upd priceUpdate
		if err := json.Unmarshal(msg.Data, &upd); err != nil {
			s.log.Warn().Err(err).Str("asset", asset).Msg("malformed price update")
			return
		}

		price, ok := new(big.Int).SetString(strings.TrimSpace(upd.Price), 10)
		if !ok || price.Sign() <= 0 {
			s.log.Warn().Str("asset", asset).Str("price", upd.Price).Msg("rejected non-positive price")
			return
		}
		if upd.UpdatedAt.IsZero() {
			upd.UpdatedAt = time.Now().UTC()
		}

		feed.set(price, upd.UpdatedAt)

		if s.metrics != nil {
			s.metrics.PriceUpdates.WithLabelValues(asset).Inc()
			quote, _ := new(big.Float).SetInt(price).Float64()
			s.metrics.PriceLastQuote.WithLabelValues(asset).Set(quote)
		}
	}
}

// Stop drains all subscriptions.
func (s *PriceSubscriber) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.log.Info().Msg("price subscriber stopped")
}
