package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/fxlab/fxbacktester/internal/metrics"
	"github.com/fxlab/fxbacktester/pkg/backtest"
	"github.com/fxlab/fxbacktester/pkg/strategy"
)

// DefaultYahooURL is the public chart API host
const DefaultYahooURL = "https://query1.finance.yahoo.com"

// YahooConfig configures the chart API client
type YahooConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
	Retry          RetryConfig
	UserAgent      string

	// Circuit breaker
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerOpenTimeout  time.Duration
}

// DefaultYahooConfig returns conservative client settings
func DefaultYahooConfig() YahooConfig {
	return YahooConfig{
		BaseURL:             DefaultYahooURL,
		Timeout:             15 * time.Second,
		RequestsPerSec:      2,
		Burst:               1,
		Retry:               DefaultRetryConfig(),
		BreakerMinRequests:  5,
		BreakerFailureRatio: 0.6,
		BreakerOpenTimeout:  30 * time.Second,
	}
}

// YahooClient downloads OHLCV bars from the v8 chart endpoint
type YahooClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	agent   string
}

// NewYahooClient creates a chart API client
func NewYahooClient(cfg YahooConfig) *YahooClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultYahooURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 2
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "fxbacktester"
	}

	minRequests, ratio := cfg.BreakerMinRequests, cfg.BreakerFailureRatio
	return &YahooClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		retry:   cfg.Retry,
		agent:   cfg.UserAgent,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "yahoo",
			MaxRequests: 1,
			Timeout:     cfg.BreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= minRequests && failureRatio >= ratio
			},
			// Missing symbols are the caller's problem, not the provider's
			IsSuccessful: func(err error) bool {
				return err == nil || !IsRetryable(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
				metrics.UpdateCircuitBreaker(name, to != gobreaker.StateClosed)
			},
		}),
	}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol string `json:"symbol"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Fetch implements Source
func (c *YahooClient) Fetch(ctx context.Context, in strategy.Instrument, tf strategy.Timeframe) ([]*backtest.Candlestick, error) {
	start := time.Now()
	var candles []*backtest.Candlestick

	err := WithRetry(ctx, c.retry, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.fetchOnce(ctx, in, tf)
		})
		if err != nil {
			return err
		}
		candles = out.([]*backtest.Candlestick)
		return nil
	})
	metrics.RecordFetch(metrics.SourceProvider, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("fetching %s %s: %w", in.Ticker, tf.Name, err)
	}

	log.Info().
		Str("ticker", in.Ticker).
		Str("range", tf.Period).
		Str("interval", tf.Interval).
		Int("bars", len(candles)).
		Dur("elapsed", time.Since(start)).
		Msg("Downloaded chart data")
	return candles, nil
}

func (c *YahooClient) fetchOnce(ctx context.Context, in strategy.Instrument, tf strategy.Timeframe) ([]*backtest.Candlestick, error) {
	q := url.Values{}
	q.Set("range", tf.Period)
	q.Set("interval", tf.Interval)
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", c.baseURL, url.PathEscape(in.Ticker), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.agent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", in.Ticker, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	var parsed chartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode chart response: %w", err)
	}
	if parsed.Chart.Error != nil {
		return nil, fmt.Errorf("%s: %s: %w", parsed.Chart.Error.Code, parsed.Chart.Error.Description, ErrNotFound)
	}
	if len(parsed.Chart.Result) == 0 || len(parsed.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("%s: empty chart: %w", in.Ticker, ErrNotFound)
	}

	result := parsed.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	candles := make([]*backtest.Candlestick, 0, len(result.Timestamp))
	dropped := 0

	for i, ts := range result.Timestamp {
		closePx := at(quote.Close, i)
		if closePx == nil {
			dropped++
			continue
		}
		stamp := time.Unix(ts, 0).UTC()
		if n := len(candles); n > 0 && !stamp.After(candles[n-1].Timestamp) {
			dropped++
			continue
		}
		candle := &backtest.Candlestick{
			Symbol:    in.Ticker,
			Timestamp: stamp,
			Open:      orDefault(at(quote.Open, i), *closePx),
			High:      orDefault(at(quote.High, i), *closePx),
			Low:       orDefault(at(quote.Low, i), *closePx),
			Close:     *closePx,
			Volume:    orDefault(at(quote.Volume, i), 0),
		}
		candles = append(candles, candle)
	}

	if dropped > 0 {
		log.Debug().Str("ticker", in.Ticker).Int("dropped", dropped).Msg("Dropped bars without a close")
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%s: no bars with a close: %w", in.Ticker, ErrNotFound)
	}
	return candles, nil
}

func at(values []*float64, i int) *float64 {
	if i < len(values) {
		return values[i]
	}
	return nil
}

func orDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
