// Package strategy maps strategy identifiers to rule families, parameter grids and
// execution timing, and builds simulator rules for grid points.
package strategy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fxlab/fxbacktester/internal/indicators"
	"github.com/fxlab/fxbacktester/internal/signals"
	"github.com/fxlab/fxbacktester/pkg/backtest"
)

// Family is the shape of a strategy's entry and exit logic
type Family int

const (
	FamilyCrossover Family = iota
	FamilyToleranceCrossover
	FamilyMomentumBreakout
	FamilyZScoreThreshold
	FamilyMomentumWithTrendFilter
)

func (f Family) String() string {
	switch f {
	case FamilyCrossover:
		return "crossover"
	case FamilyToleranceCrossover:
		return "tolerance_crossover"
	case FamilyMomentumBreakout:
		return "momentum_breakout"
	case FamilyZScoreThreshold:
		return "zscore_threshold"
	case FamilyMomentumWithTrendFilter:
		return "momentum_trend_filter"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// Parameter names used in grids
const (
	ParamFast      = "fast"
	ParamSlow      = "slow"
	ParamWindow    = "window"
	ParamThreshold = "threshold"
	ParamMomentum  = "momentum"
	ParamTrend     = "trend"
)

// Definition describes one optimizable strategy
type Definition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Family      Family          `json:"-"`
	Average     indicators.Kind `json:"average,omitempty"` // moving average for crossovers and trend filters
	OnClose     bool            `json:"on_close"`
}

var definitions = []Definition{
	{
		ID:          "sma-crossover",
		Name:        "SMA Crossover",
		Description: "Long when the fast SMA crosses above the slow SMA, short on the opposite cross",
		Family:      FamilyCrossover,
		Average:     indicators.KindSMA,
		OnClose:     true,
	},
	{
		ID:          "momentum",
		Name:        "Momentum",
		Description: "Enter when momentum crosses the timeframe threshold, exit when it falls back",
		Family:      FamilyMomentumBreakout,
	},
	{
		ID:          "mean-reversion",
		Name:        "Mean Reversion",
		Description: "Fade z-score extremes beyond the timeframe threshold, exit at the mean",
		Family:      FamilyZScoreThreshold,
	},
	{
		ID:          "ema-crossover",
		Name:        "EMA Crossover",
		Description: "Long when the fast EMA crosses above the slow EMA, short on the opposite cross",
		Family:      FamilyCrossover,
		Average:     indicators.KindEMA,
		OnClose:     true,
	},
	{
		ID:          "momentum-sma",
		Name:        "Momentum + SMA Trend",
		Description: "Momentum breakout entries confirmed by price being on the trend side of an SMA",
		Family:      FamilyMomentumWithTrendFilter,
		Average:     indicators.KindSMA,
	},
	{
		ID:          "momentum-ema",
		Name:        "Momentum + EMA Trend",
		Description: "Momentum breakout entries confirmed by price being on the trend side of an EMA",
		Family:      FamilyMomentumWithTrendFilter,
		Average:     indicators.KindEMA,
	},
}

// All returns every strategy in menu order
func All() []Definition {
	return append([]Definition(nil), definitions...)
}

// Lookup finds a strategy by identifier
func Lookup(id string) (Definition, error) {
	key := strings.ToLower(strings.TrimSpace(id))
	for _, d := range definitions {
		if d.ID == key {
			return d, nil
		}
	}
	return Definition{}, fmt.Errorf("unknown strategy %q", id)
}

// FamilyFor resolves the rule family on a timeframe; crossovers on intraday bars use the
// tolerant detector
func (d Definition) FamilyFor(tf Timeframe) Family {
	if d.Family == FamilyCrossover && tf.Intraday {
		return FamilyToleranceCrossover
	}
	return d.Family
}

// Execution returns the fill timing of the strategy
func (d Definition) Execution() backtest.Execution {
	if d.OnClose {
		return backtest.ExecuteOnClose
	}
	return backtest.ExecuteOnNextOpen
}

// Config applies the strategy's fill timing to base
func (d Definition) Config(base backtest.BacktestConfig) backtest.BacktestConfig {
	base.Execution = d.Execution()
	return base
}

// Grid returns the parameter search space on a timeframe. With bars > 0 every indicator
// window is also kept below the series length, so windows the series cannot support are
// never enumerated.
func (d Definition) Grid(tf Timeframe, bars int) (*backtest.Grid, error) {
	var dims []backtest.Dimension
	var constraints []backtest.Constraint
	var windows []string

	switch d.Family {
	case FamilyCrossover, FamilyToleranceCrossover:
		dims = []backtest.Dimension{
			backtest.IntRange(ParamFast, 3, 19),
			backtest.IntRange(ParamSlow, 4, 59),
		}
		constraints = append(constraints, backtest.LessThan(ParamFast, ParamSlow))
		windows = []string{ParamFast, ParamSlow}
	case FamilyMomentumBreakout:
		dims = []backtest.Dimension{
			backtest.IntRange(ParamWindow, 3, 19),
			backtest.Values(ParamThreshold, tf.MomentumThreshold),
		}
		windows = []string{ParamWindow}
	case FamilyZScoreThreshold:
		dims = []backtest.Dimension{
			backtest.IntRange(ParamWindow, 3, 19),
			backtest.Values(ParamThreshold, tf.ZScoreThreshold),
		}
		windows = []string{ParamWindow}
	case FamilyMomentumWithTrendFilter:
		dims = []backtest.Dimension{
			backtest.IntRange(ParamMomentum, 5, 20),
			backtest.IntRange(ParamTrend, 6, 49),
			backtest.FloatRange(ParamThreshold, 0.005, 0.03, 0.0025),
		}
		constraints = append(constraints, backtest.LessThan(ParamMomentum, ParamTrend))
		windows = []string{ParamMomentum, ParamTrend}
	default:
		return nil, fmt.Errorf("strategy %s has unknown family %s: %w", d.ID, d.Family, backtest.ErrInvalidParameter)
	}

	if bars > 0 {
		for _, name := range windows {
			constraints = append(constraints, backtest.Below(name, float64(bars)))
		}
	}
	return backtest.NewGrid(dims, constraints...)
}

// Factory returns a rule factory for the timeframe. tol is the absolute tolerance of the
// tolerant crossover detector; zero or less selects signals.DefaultTolerance. Indicator
// series are computed once per candle series and shared by every grid point.
func (d Definition) Factory(tf Timeframe, tol float64) backtest.RuleFactory {
	if tol <= 0 {
		tol = signals.DefaultTolerance
	}
	family := d.FamilyFor(tf)
	caches := &cacheSet{}

	return func(params backtest.ParameterSet, candles []*backtest.Candlestick) (backtest.Rule, error) {
		cache := caches.forSeries(candles)
		switch family {
		case FamilyCrossover, FamilyToleranceCrossover:
			return newCrossoverRule(cache, d.Average, params, family == FamilyToleranceCrossover, tol)
		case FamilyMomentumBreakout:
			return newMomentumRule(cache, params)
		case FamilyZScoreThreshold:
			return newZScoreRule(cache, params)
		case FamilyMomentumWithTrendFilter:
			return newTrendFilterRule(cache, d.Average, params)
		default:
			return nil, fmt.Errorf("strategy %s has unknown family %s: %w", d.ID, family, backtest.ErrInvalidParameter)
		}
	}
}

// cacheSet keeps the indicator cache of the most recent candle series
type cacheSet struct {
	mu      sync.Mutex
	first   *backtest.Candlestick
	n       int
	current *indicators.Cache
}

func (c *cacheSet) forSeries(candles []*backtest.Candlestick) *indicators.Cache {
	c.mu.Lock()
	defer c.mu.Unlock()

	var first *backtest.Candlestick
	if len(candles) > 0 {
		first = candles[0]
	}
	if c.current == nil || c.first != first || c.n != len(candles) {
		c.current = indicators.NewCache(backtest.Closes(candles))
		c.first = first
		c.n = len(candles)
	}
	return c.current
}
