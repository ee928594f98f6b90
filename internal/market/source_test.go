package market

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayeredSourceFillsFasterLayers(t *testing.T) {
	cache, mr := newTestCache(t, 0)
	store := NewCSVStore(t.TempDir())
	provider := &stubProvider{series: sampleSeries(30)}
	src := NewLayeredSource(cache, store, provider)
	ctx := context.Background()
	in, tf := eurusd(t), timeframe(t, "1y")

	first, err := src.Fetch(ctx, in, tf)
	require.NoError(t, err)
	assert.Len(t, first, 30)
	assert.Equal(t, int32(1), provider.calls.Load())
	assert.True(t, store.Exists(in, tf))
	assert.True(t, mr.Exists("fxbt:series:EURUSD=X:1y"))

	// Served from Redis
	_, err = src.Fetch(ctx, in, tf)
	require.NoError(t, err)
	assert.Equal(t, int32(1), provider.calls.Load())

	// Served from disk once Redis forgets it
	mr.FlushAll()
	again, err := src.Fetch(ctx, in, tf)
	require.NoError(t, err)
	assert.Len(t, again, 30)
	assert.Equal(t, int32(1), provider.calls.Load())
	assert.True(t, mr.Exists("fxbt:series:EURUSD=X:1y"), "store hit is written back to the cache")
}

func TestLayeredSourceRefreshBypassesLayers(t *testing.T) {
	store := NewCSVStore(t.TempDir())
	provider := &stubProvider{series: sampleSeries(10)}
	src := NewLayeredSource(nil, store, provider)
	ctx := context.Background()

	_, err := src.Fetch(ctx, eurusd(t), timeframe(t, "6mo"))
	require.NoError(t, err)

	src.SetRefresh(true)
	_, err = src.Fetch(ctx, eurusd(t), timeframe(t, "6mo"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), provider.calls.Load())
}

func TestLayeredSourceWithoutProvider(t *testing.T) {
	src := NewLayeredSource(nil, NewCSVStore(t.TempDir()), nil)
	_, err := src.Fetch(context.Background(), eurusd(t), timeframe(t, "1y"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLayeredSourcePropagatesProviderError(t *testing.T) {
	boom := errors.New("boom")
	src := NewLayeredSource(nil, NewCSVStore(t.TempDir()), &stubProvider{err: boom})
	_, err := src.Fetch(context.Background(), eurusd(t), timeframe(t, "1y"))
	assert.ErrorIs(t, err, boom)
}
