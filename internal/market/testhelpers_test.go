package market

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fxlab/fxbacktester/pkg/backtest"
	"github.com/fxlab/fxbacktester/pkg/strategy"
)

func eurusd(t *testing.T) strategy.Instrument {
	t.Helper()
	in, err := strategy.LookupInstrument("EUR/USD")
	require.NoError(t, err)
	return in
}

func timeframe(t *testing.T, name string) strategy.Timeframe {
	t.Helper()
	tf, err := strategy.LookupTimeframe(name)
	require.NoError(t, err)
	return tf
}

func sampleSeries(n int) []*backtest.Candlestick {
	start := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	out := make([]*backtest.Candlestick, n)
	for i := range out {
		px := 1.08 + 0.001*float64(i)
		out[i] = &backtest.Candlestick{
			Symbol:    "EURUSD=X",
			Timestamp: start.AddDate(0, 0, i),
			Open:      px - 0.0005,
			High:      px + 0.001,
			Low:       px - 0.001,
			Close:     px,
		}
	}
	return out
}

// stubProvider serves a fixed series and counts calls
type stubProvider struct {
	series []*backtest.Candlestick
	err    error
	calls  atomic.Int32
}

func (p *stubProvider) Fetch(context.Context, strategy.Instrument, strategy.Timeframe) ([]*backtest.Candlestick, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return p.series, nil
}
