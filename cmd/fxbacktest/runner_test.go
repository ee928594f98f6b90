package main

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxlab/fxbacktester/internal/db"
	"github.com/fxlab/fxbacktester/internal/market"
	"github.com/fxlab/fxbacktester/pkg/backtest"
	"github.com/fxlab/fxbacktester/pkg/strategy"
)

type countingSource struct {
	candles []*backtest.Candlestick
	err     error
	calls   atomic.Int32
}

func (s *countingSource) Fetch(_ context.Context, _ strategy.Instrument, _ strategy.Timeframe) ([]*backtest.Candlestick, error) {
	s.calls.Add(1)
	return s.candles, s.err
}

type recordingRuns struct {
	saved []*db.RunRecord
}

func (r *recordingRuns) SaveRun(_ context.Context, run *db.RunRecord) error {
	r.saved = append(r.saved, run)
	return nil
}

func wavySeries(n int) []*backtest.Candlestick {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]*backtest.Candlestick, n)
	for i := range candles {
		px := 100 + 10*math.Sin(float64(i)/5) + 0.1*float64(i)
		candles[i] = &backtest.Candlestick{
			Symbol:    "EURUSD=X",
			Timestamp: start.AddDate(0, 0, i),
			Open:      px,
			High:      px + 0.5,
			Low:       px - 0.5,
			Close:     px,
		}
	}
	return candles
}

func newTestRunner(t *testing.T, source market.Source, runs runSaver) (*Runner, *bytes.Buffer) {
	t.Helper()
	root := t.TempDir()
	var out bytes.Buffer
	return &Runner{
		source:     source,
		options:    strategy.DefaultOptions(),
		reportsDir: root + "/outputs",
		metricsDir: root + "/metrics",
		runs:       runs,
		out:        &out,
	}, &out
}

func mustSelection(t *testing.T, code, pair, tf string) Selection {
	t.Helper()
	sel, err := selectionFromFlags(code, pair, tf)
	require.NoError(t, err)
	return sel
}

func TestRunnerWritesOutputsThenSkips(t *testing.T) {
	source := &countingSource{candles: wavySeries(150)}
	runs := &recordingRuns{}
	runner, out := newTestRunner(t, source, runs)
	sel := mustSelection(t, "mm1", "EUR/USD", "1y")

	skipped, err := runner.Run(context.Background(), sel)
	require.NoError(t, err)
	assert.False(t, skipped)

	assert.FileExists(t, runner.ReportPath(sel))
	html, err := os.ReadFile(runner.ReportPath(sel))
	require.NoError(t, err)
	assert.Contains(t, string(html), "Momentum")

	summary, err := os.ReadFile(runner.SummaryPath(sel))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(summary)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "Strategy,Instrument,Timeframe"))
	assert.True(t, strings.HasPrefix(lines[1], "mm1,EUR/USD,1y,"))

	require.Len(t, runs.saved, 1)
	assert.Equal(t, "momentum", runs.saved[0].Strategy)
	assert.Equal(t, 17, runs.saved[0].GridPoints)
	assert.Contains(t, out.String(), "Best parameters: window=")

	out.Reset()
	skipped, err = runner.Run(context.Background(), sel)
	require.NoError(t, err)
	assert.True(t, skipped)
	assert.Contains(t, out.String(), "Outputs already exist")
	assert.Contains(t, out.String(), runner.ReportPath(sel))
	assert.Equal(t, int32(1), source.calls.Load())
	assert.Len(t, runs.saved, 1)
}

func TestRunnerAppendsSummaryAcrossPairs(t *testing.T) {
	runner, _ := newTestRunner(t, &countingSource{candles: wavySeries(150)}, nil)

	first := mustSelection(t, "mr1", "EUR/USD", "6mo")
	second := mustSelection(t, "mr1", "GBP/USD", "6mo")
	for _, sel := range []Selection{first, second} {
		_, err := runner.Run(context.Background(), sel)
		require.NoError(t, err)
	}

	assert.Equal(t, runner.SummaryPath(first), runner.SummaryPath(second))
	summary, err := os.ReadFile(runner.SummaryPath(first))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(summary)), "\n"), 3)
}

func TestRunnerPaths(t *testing.T) {
	runner := &Runner{reportsDir: "outputs", metricsDir: "metrics"}

	sel := mustSelection(t, "ema2", "USD/JPY", "5d")
	assert.Equal(t, "outputs/ema2/usdjpy_5dm_results.html", runner.ReportPath(sel))
	assert.Equal(t, "metrics/ema2_metrics.csv", runner.SummaryPath(sel))

	sel = mustSelection(t, "sma1", "EURUSD=X", "6mo")
	assert.Equal(t, "outputs/sma1/eurusd_6mo_results.html", runner.ReportPath(sel))
}

func TestRunnerPropagatesSourceErrors(t *testing.T) {
	source := &countingSource{err: fmt.Errorf("EURUSD=X: %w", market.ErrNotFound)}
	runner, _ := newTestRunner(t, source, nil)
	sel := mustSelection(t, "sma1", "EUR/USD", "1y")

	_, err := runner.Run(context.Background(), sel)
	require.Error(t, err)
	assert.ErrorIs(t, err, market.ErrNotFound)
	assert.NoFileExists(t, runner.ReportPath(sel))
}
