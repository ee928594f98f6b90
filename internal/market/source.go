// Package market loads FX candle series: a rate-limited chart API client, a CSV store on
// disk, a Redis series cache, and a layered source that consults them fastest first.
package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fxlab/fxbacktester/internal/metrics"
	"github.com/fxlab/fxbacktester/pkg/backtest"
	"github.com/fxlab/fxbacktester/pkg/strategy"
)

// ErrNotFound is returned when a source holds no series for the request
var ErrNotFound = errors.New("no data")

// Source loads the candle series of an instrument on a timeframe
type Source interface {
	Fetch(ctx context.Context, in strategy.Instrument, tf strategy.Timeframe) ([]*backtest.Candlestick, error)
}

// LayeredSource reads Redis, then the CSV store, then the provider, and writes what it
// found back into the faster layers. Any layer may be nil.
type LayeredSource struct {
	cache    *RedisCache
	store    *CSVStore
	provider Source
	refresh  bool
}

// NewLayeredSource builds a layered source
func NewLayeredSource(cache *RedisCache, store *CSVStore, provider Source) *LayeredSource {
	return &LayeredSource{cache: cache, store: store, provider: provider}
}

// SetRefresh makes Fetch skip the cache and the store and always ask the provider
func (s *LayeredSource) SetRefresh(refresh bool) {
	s.refresh = refresh
}

// Fetch implements Source
func (s *LayeredSource) Fetch(ctx context.Context, in strategy.Instrument, tf strategy.Timeframe) ([]*backtest.Candlestick, error) {
	if !s.refresh {
		if candles, ok := s.cache.Get(ctx, in, tf); ok {
			return candles, nil
		}

		if s.store != nil {
			start := time.Now()
			candles, err := s.store.Load(in, tf)
			switch {
			case err == nil:
				metrics.RecordFetch(metrics.SourceCSV, time.Since(start), nil)
				_ = s.cache.Set(ctx, in, tf, candles)
				return candles, nil
			case !errors.Is(err, ErrNotFound):
				metrics.RecordFetch(metrics.SourceCSV, time.Since(start), err)
				return nil, err
			}
		}
	}

	if s.provider == nil {
		return nil, fmt.Errorf("%s %s: %w", in.Pair, tf.Name, ErrNotFound)
	}

	candles, err := s.provider.Fetch(ctx, in, tf)
	if err != nil {
		return nil, err
	}

	if s.store != nil {
		if err := s.store.Save(in, tf, candles); err != nil {
			log.Warn().Err(err).Str("pair", in.Pair).Str("timeframe", tf.Name).Msg("Failed to persist fetched series")
		}
	}
	_ = s.cache.Set(ctx, in, tf, candles)
	return candles, nil
}
