package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fxlab/fxbacktester/pkg/strategy"
)

// SyncService downloads every instrument and timeframe into the CSV store, once or on a
// fixed interval
type SyncService struct {
	provider    Source
	store       *CSVStore
	cache       *RedisCache
	instruments []strategy.Instrument
	timeframes  []strategy.Timeframe
	interval    time.Duration
	force       bool
}

// SyncReport summarises one pass over the download matrix
type SyncReport struct {
	Downloaded int
	Skipped    int
	Failed     int
	Errors     []error
}

// NewSyncService creates a sync service for the full instrument and timeframe matrix
func NewSyncService(provider Source, store *CSVStore, cache *RedisCache) *SyncService {
	return &SyncService{
		provider:    provider,
		store:       store,
		cache:       cache,
		instruments: strategy.Instruments(),
		timeframes:  strategy.Timeframes(),
	}
}

// Restrict limits the matrix; empty slices keep the current selection
func (s *SyncService) Restrict(instruments []strategy.Instrument, timeframes []strategy.Timeframe) {
	if len(instruments) > 0 {
		s.instruments = instruments
	}
	if len(timeframes) > 0 {
		s.timeframes = timeframes
	}
}

// SetForce re-downloads series that already have a file
func (s *SyncService) SetForce(force bool) {
	s.force = force
}

// SetInterval enables periodic syncing in Start
func (s *SyncService) SetInterval(d time.Duration) {
	s.interval = d
}

// Start runs one pass and, with an interval set, keeps syncing until ctx is done
func (s *SyncService) Start(ctx context.Context) error {
	log.Info().
		Int("instruments", len(s.instruments)).
		Int("timeframes", len(s.timeframes)).
		Dur("interval", s.interval).
		Msg("Starting market data sync")

	report := s.SyncAll(ctx)
	if s.interval <= 0 {
		if report.Failed > 0 {
			return fmt.Errorf("%d of %d series failed, first: %w", report.Failed, report.Failed+report.Downloaded+report.Skipped, report.Errors[0])
		}
		return nil
	}

	// Later passes always refresh, otherwise nothing would change after the first
	s.force = true
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Market data sync stopped (context cancelled)")
			return ctx.Err()
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}

// SyncAll runs one pass over the matrix. Failures are logged and collected; the pass
// continues with the next series.
func (s *SyncService) SyncAll(ctx context.Context) SyncReport {
	var report SyncReport
	start := time.Now()

	for _, in := range s.instruments {
		for _, tf := range s.timeframes {
			if ctx.Err() != nil {
				report.Errors = append(report.Errors, ctx.Err())
				report.Failed++
				return report
			}
			if !s.force && s.store.Exists(in, tf) {
				report.Skipped++
				continue
			}
			if err := s.syncSeries(ctx, in, tf); err != nil {
				log.Error().Err(err).Str("pair", in.Pair).Str("timeframe", tf.Name).Msg("Failed to sync series")
				report.Errors = append(report.Errors, err)
				report.Failed++
				continue
			}
			report.Downloaded++
		}
	}

	log.Info().
		Dur("duration", time.Since(start)).
		Int("downloaded", report.Downloaded).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("Completed market data sync")
	return report
}

func (s *SyncService) syncSeries(ctx context.Context, in strategy.Instrument, tf strategy.Timeframe) error {
	candles, err := s.provider.Fetch(ctx, in, tf)
	if err != nil {
		return err
	}
	if err := s.store.Save(in, tf, candles); err != nil {
		return err
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, in, tf, candles)
	}
	return nil
}
