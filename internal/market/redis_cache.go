package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fxlab/fxbacktester/internal/metrics"
	"github.com/fxlab/fxbacktester/pkg/backtest"
	"github.com/fxlab/fxbacktester/pkg/strategy"
)

const keyPrefix = "fxbt:series:"

// RedisCache keeps downloaded candle series in Redis so repeated runs skip the disk and
// the provider
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

type seriesEntry struct {
	Ticker   string                  `json:"ticker"`
	Interval string                  `json:"interval"`
	CachedAt time.Time               `json:"cached_at"`
	Candles  []*backtest.Candlestick `json:"candles"`
}

// NewRedisCache creates a series cache.
// If client is nil, returns nil (optional Redis support)
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns a cached series. Misses and Redis errors both report false.
func (c *RedisCache) Get(ctx context.Context, in strategy.Instrument, tf strategy.Timeframe) ([]*backtest.Candlestick, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	key := c.buildKey(in, tf)
	start := time.Now()

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	raw, err := c.client.Get(cacheCtx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Debug().Err(err).Str("key", key).Msg("Redis get error - treating as cache miss")
			metrics.RecordFetch(metrics.SourceRedis, time.Since(start), err)
		}
		metrics.RecordCacheLookup(false)
		return nil, false
	}

	var entry seriesEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to unmarshal cached series")
		metrics.RecordCacheLookup(false)
		return nil, false
	}

	metrics.RecordCacheLookup(true)
	metrics.RecordFetch(metrics.SourceRedis, time.Since(start), nil)
	log.Debug().
		Str("key", key).
		Int("bars", len(entry.Candles)).
		Time("cached_at", entry.CachedAt).
		Msg("Cache hit for series")
	return entry.Candles, true
}

// Set stores a series with the configured TTL
func (c *RedisCache) Set(ctx context.Context, in strategy.Instrument, tf strategy.Timeframe, candles []*backtest.Candlestick) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	data, err := json.Marshal(seriesEntry{
		Ticker:   in.Ticker,
		Interval: tf.Interval,
		CachedAt: time.Now().UTC(),
		Candles:  candles,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal series: %w", err)
	}

	key := c.buildKey(in, tf)
	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Set(cacheCtx, key, data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to cache series")
		return err
	}

	log.Debug().Str("key", key).Int("bars", len(candles)).Dur("ttl", c.ttl).Msg("Cached series")
	return nil
}

// Delete drops a cached series
func (c *RedisCache) Delete(ctx context.Context, in strategy.Instrument, tf strategy.Timeframe) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}
	if err := c.client.Del(ctx, c.buildKey(in, tf)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key: %w", err)
	}
	return nil
}

// Clear removes every cached series
func (c *RedisCache) Clear(ctx context.Context) (int, error) {
	if c == nil || c.client == nil {
		return 0, fmt.Errorf("cache not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	iter := c.client.Scan(cacheCtx, 0, keyPrefix+"*", 0).Iterator()
	count := 0
	for iter.Next(cacheCtx) {
		if err := c.client.Del(cacheCtx, iter.Val()).Err(); err != nil {
			log.Warn().Err(err).Str("key", iter.Val()).Msg("Failed to delete cache key")
			continue
		}
		count++
	}
	if err := iter.Err(); err != nil {
		return count, fmt.Errorf("cache scan error: %w", err)
	}

	log.Info().Int("keys_deleted", count).Msg("Cleared series cache")
	return count, nil
}

// Health checks if the Redis connection is healthy
func (c *RedisCache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Ping(cacheCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (c *RedisCache) buildKey(in strategy.Instrument, tf strategy.Timeframe) string {
	return keyPrefix + in.Ticker + ":" + tf.Name
}
