package market

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxlab/fxbacktester/pkg/strategy"
)

func TestSyncAllDownloadsMatrix(t *testing.T) {
	store := NewCSVStore(t.TempDir())
	provider := &stubProvider{series: sampleSeries(12)}
	svc := NewSyncService(provider, store, nil)

	report := svc.SyncAll(context.Background())
	total := len(strategy.Instruments()) * len(strategy.Timeframes())
	assert.Equal(t, total, report.Downloaded)
	assert.Zero(t, report.Failed)

	// Second pass skips files that exist
	report = svc.SyncAll(context.Background())
	assert.Equal(t, total, report.Skipped)
	assert.Equal(t, int32(total), provider.calls.Load())

	svc.SetForce(true)
	report = svc.SyncAll(context.Background())
	assert.Equal(t, total, report.Downloaded)
}

func TestSyncStartReportsFailures(t *testing.T) {
	boom := errors.New("boom")
	svc := NewSyncService(&stubProvider{err: boom}, NewCSVStore(t.TempDir()), nil)
	svc.Restrict([]strategy.Instrument{eurusd(t)}, []strategy.Timeframe{timeframe(t, "1y")})

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}
