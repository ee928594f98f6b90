package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chartFixture = `{
  "chart": {
    "result": [{
      "meta": {"symbol": "EURUSD=X"},
      "timestamp": [1735689600, 1735776000, 1735862400, 1735948800],
      "indicators": {"quote": [{
        "open":   [1.0350, 1.0351, null, 1.0302],
        "high":   [1.0390, 1.0362, null, 1.0344],
        "low":    [1.0330, 1.0260, null, 1.0290],
        "close":  [1.0355, 1.0265, null, 1.0310],
        "volume": [0, 0, null, null]
      }]}
    }],
    "error": null
  }
}`

func testYahooConfig(url string) YahooConfig {
	cfg := DefaultYahooConfig()
	cfg.BaseURL = url
	cfg.RequestsPerSec = 1000
	cfg.Burst = 10
	cfg.Retry = fastRetry(2)
	return cfg
}

func TestYahooFetchParsesChart(t *testing.T) {
	var gotPath, gotRange, gotInterval string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRange = r.URL.Query().Get("range")
		gotInterval = r.URL.Query().Get("interval")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chartFixture))
	}))
	defer server.Close()

	client := NewYahooClient(testYahooConfig(server.URL))
	candles, err := client.Fetch(context.Background(), eurusd(t), timeframe(t, "5d"))
	require.NoError(t, err)

	assert.Equal(t, "/v8/finance/chart/EURUSD=X", gotPath)
	assert.Equal(t, "5d", gotRange)
	assert.Equal(t, "15m", gotInterval)

	require.Len(t, candles, 3, "the bar with a null close is dropped")
	assert.Equal(t, time.Unix(1735689600, 0).UTC(), candles[0].Timestamp)
	assert.Equal(t, 1.0355, candles[0].Close)
	assert.Equal(t, 1.0302, candles[2].Open)
	assert.Equal(t, "EURUSD=X", candles[2].Symbol)
}

func TestYahooRetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(chartFixture))
	}))
	defer server.Close()

	candles, err := NewYahooClient(testYahooConfig(server.URL)).Fetch(context.Background(), eurusd(t), timeframe(t, "1y"))
	require.NoError(t, err)
	assert.Len(t, candles, 3)
	assert.Equal(t, int32(2), hits.Load())
}

func TestYahooUnknownSymbol(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`))
	}))
	defer server.Close()

	_, err := NewYahooClient(testYahooConfig(server.URL)).Fetch(context.Background(), eurusd(t), timeframe(t, "1y"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), hits.Load(), "missing data is not retried")
}

func TestYahooChartErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Bad Request","description":"Invalid range"}}}`))
	}))
	defer server.Close()

	_, err := NewYahooClient(testYahooConfig(server.URL)).Fetch(context.Background(), eurusd(t), timeframe(t, "6mo"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "Invalid range")
}

func TestYahooCircuitBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := testYahooConfig(server.URL)
	cfg.Retry = fastRetry(0)
	cfg.BreakerMinRequests = 2
	cfg.BreakerFailureRatio = 0.5
	cfg.BreakerOpenTimeout = time.Minute
	client := NewYahooClient(cfg)

	for i := 0; i < 2; i++ {
		_, err := client.Fetch(context.Background(), eurusd(t), timeframe(t, "1y"))
		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
	}

	_, err := client.Fetch(context.Background(), eurusd(t), timeframe(t, "1y"))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), hits.Load())
}
