package market

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, ttl), mr
}

func TestNewRedisCacheNilClient(t *testing.T) {
	cache := NewRedisCache(nil, time.Minute)
	assert.Nil(t, cache)

	_, ok := cache.Get(context.Background(), eurusd(t), timeframe(t, "1y"))
	assert.False(t, ok)
	assert.Error(t, cache.Set(context.Background(), eurusd(t), timeframe(t, "1y"), sampleSeries(2)))
	assert.Error(t, cache.Health(context.Background()))
}

func TestRedisCacheGetSet(t *testing.T) {
	cache, mr := newTestCache(t, 0)
	ctx := context.Background()
	in, tf := eurusd(t), timeframe(t, "1y")

	_, ok := cache.Get(ctx, in, tf)
	assert.False(t, ok)

	series := sampleSeries(5)
	require.NoError(t, cache.Set(ctx, in, tf, series))
	assert.True(t, mr.Exists("fxbt:series:EURUSD=X:1y"))
	assert.Equal(t, time.Hour, mr.TTL("fxbt:series:EURUSD=X:1y"))

	got, ok := cache.Get(ctx, in, tf)
	require.True(t, ok)
	require.Len(t, got, 5)
	assert.True(t, series[4].Timestamp.Equal(got[4].Timestamp))
	assert.Equal(t, series[4].Close, got[4].Close)
}

func TestRedisCacheExpiry(t *testing.T) {
	cache, mr := newTestCache(t, 10*time.Second)
	ctx := context.Background()
	in, tf := eurusd(t), timeframe(t, "5d")

	require.NoError(t, cache.Set(ctx, in, tf, sampleSeries(3)))
	mr.FastForward(11 * time.Second)

	_, ok := cache.Get(ctx, in, tf)
	assert.False(t, ok)
}

func TestRedisCacheCorruptEntry(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	require.NoError(t, mr.Set("fxbt:series:EURUSD=X:1y", "not json"))

	_, ok := cache.Get(context.Background(), eurusd(t), timeframe(t, "1y"))
	assert.False(t, ok)
}

func TestRedisCacheDeleteAndClear(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	ctx := context.Background()
	in := eurusd(t)

	for _, name := range []string{"1y", "6mo", "5d"} {
		require.NoError(t, cache.Set(ctx, in, timeframe(t, name), sampleSeries(2)))
	}
	require.NoError(t, mr.Set("unrelated", "keep"))

	require.NoError(t, cache.Delete(ctx, in, timeframe(t, "1y")))
	assert.False(t, mr.Exists("fxbt:series:EURUSD=X:1y"))

	n, err := cache.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, mr.Exists("unrelated"))
	assert.NoError(t, cache.Health(ctx))
}
