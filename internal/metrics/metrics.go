package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"

	// Data sources (bounded set)
	SourceProvider = "provider"
	SourceCSV      = "csv"
	SourceRedis    = "redis"

	// Cache lookup results
	CacheHit  = "hit"
	CacheMiss = "miss"

	// Data fetch error categories (bounded set)
	FetchErrorTimeout     = "timeout"
	FetchErrorRateLimit   = "rate_limit"
	FetchErrorNotFound    = "not_found"
	FetchErrorNetwork     = "network"
	FetchErrorServerError = "server_error"
	FetchErrorCircuitOpen = "circuit_open"
	FetchErrorOther       = "other"
)

// NormalizeFetchError maps arbitrary fetch failures to a bounded set
func NormalizeFetchError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return FetchErrorTimeout
	case strings.Contains(errStr, "429") || strings.Contains(errStr, "rate"):
		return FetchErrorRateLimit
	case strings.Contains(errStr, "circuit breaker"):
		return FetchErrorCircuitOpen
	case strings.Contains(errStr, "404") || strings.Contains(errStr, "no data"):
		return FetchErrorNotFound
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "network"):
		return FetchErrorNetwork
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return FetchErrorServerError
	default:
		return FetchErrorOther
	}
}

// Optimizer metrics
var (
	Optimizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxbt_optimizations_total",
			Help: "Completed grid searches by strategy and outcome",
		},
		[]string{"strategy", "status"},
	)

	OptimizationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fxbt_optimization_duration_seconds",
			Help:    "Wall time of a full grid search",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"strategy"},
	)

	GridEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxbt_grid_evaluations_total",
			Help: "Simulated grid points by strategy and outcome",
		},
		[]string{"strategy", "status"},
	)

	BestReturn = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fxbt_best_return",
			Help: "Net return of the best parameter set of the latest search",
		},
		[]string{"strategy", "instrument", "timeframe"},
	)

	BestTrades = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fxbt_best_trades",
			Help: "Trade count of the best parameter set of the latest search",
		},
		[]string{"strategy", "instrument", "timeframe"},
	)
)

// Market data metrics
var (
	DataFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxbt_data_fetches_total",
			Help: "Candle series loads by source and outcome",
		},
		[]string{"source", "status"},
	)

	DataFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxbt_data_fetch_errors_total",
			Help: "Failed candle series loads by source and error category",
		},
		[]string{"source", "category"},
	)

	DataFetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fxbt_data_fetch_duration_seconds",
			Help:    "Latency of candle series loads",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxbt_cache_lookups_total",
			Help: "Redis series cache lookups by result",
		},
		[]string{"result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fxbt_circuit_breaker_open",
			Help: "1 while the named circuit breaker is not closed",
		},
		[]string{"breaker"},
	)
)

// API metrics
var (
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxbt_api_requests_total",
			Help: "HTTP API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fxbt_api_request_duration_ms",
			Help:    "HTTP API request latency in milliseconds",
			Buckets: []float64{5, 10, 50, 100, 500, 1000, 5000, 30000},
		},
		[]string{"method", "route"},
	)
)

func status(ok bool) string {
	if ok {
		return StatusSuccess
	}
	return StatusFailure
}

// RecordFetch records one series load from a source
func RecordFetch(source string, d time.Duration, err error) {
	DataFetches.WithLabelValues(source, status(err == nil)).Inc()
	DataFetchLatency.WithLabelValues(source).Observe(d.Seconds())
	if err != nil {
		DataFetchErrors.WithLabelValues(source, NormalizeFetchError(err)).Inc()
	}
}

// RecordCacheLookup records a Redis series cache hit or miss
func RecordCacheLookup(hit bool) {
	if hit {
		CacheLookups.WithLabelValues(CacheHit).Inc()
		return
	}
	CacheLookups.WithLabelValues(CacheMiss).Inc()
}

// UpdateCircuitBreaker updates circuit breaker status
func UpdateCircuitBreaker(name string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	CircuitBreakerState.WithLabelValues(name).Set(v)
}

// RecordAPIRequest records an API request
func RecordAPIRequest(method, route, statusCode string, durationMs float64) {
	APIRequests.WithLabelValues(method, route, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(durationMs)
}

// RecordOptimization records the outcome of a grid search
func RecordOptimization(strategy string, d time.Duration, err error) {
	Optimizations.WithLabelValues(strategy, status(err == nil)).Inc()
	OptimizationDuration.WithLabelValues(strategy).Observe(d.Seconds())
}
