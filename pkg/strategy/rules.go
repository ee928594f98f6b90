package strategy

import (
	"fmt"

	"github.com/fxlab/fxbacktester/internal/indicators"
	"github.com/fxlab/fxbacktester/internal/signals"
	"github.com/fxlab/fxbacktester/pkg/backtest"
)

func positiveThreshold(params backtest.ParameterSet) (float64, error) {
	threshold, err := params.Float(ParamThreshold)
	if err != nil {
		return 0, err
	}
	if !(threshold > 0) {
		return 0, fmt.Errorf("threshold must be positive, got %v: %w", threshold, backtest.ErrInvalidParameter)
	}
	return threshold, nil
}

// ============================================================================
// CROSSOVER
// ============================================================================

type crossoverRule struct {
	fast, slow []float64
	tolerant   bool
	tol        float64
}

func newCrossoverRule(cache *indicators.Cache, average indicators.Kind, params backtest.ParameterSet, tolerant bool, tol float64) (*crossoverRule, error) {
	fastWindow, err := params.Int(ParamFast)
	if err != nil {
		return nil, err
	}
	slowWindow, err := params.Int(ParamSlow)
	if err != nil {
		return nil, err
	}
	if fastWindow >= slowWindow {
		return nil, fmt.Errorf("fast window %d must be below slow window %d: %w", fastWindow, slowWindow, backtest.ErrInvalidParameter)
	}

	fast, err := cache.Get(average, fastWindow)
	if err != nil {
		return nil, err
	}
	slow, err := cache.Get(average, slowWindow)
	if err != nil {
		return nil, err
	}
	return &crossoverRule{fast: fast, slow: slow, tolerant: tolerant, tol: tol}, nil
}

func (r *crossoverRule) Ready(i int) bool {
	return i >= 1 && indicators.Defined(r.fast[i]) && indicators.Defined(r.slow[i])
}

func (r *crossoverRule) Decide(i int, side backtest.Side) backtest.Action {
	var up, down bool
	if r.tolerant {
		up = signals.TolerantCrossedUp(r.fast, r.slow, i, r.tol)
		down = signals.TolerantCrossedDown(r.fast, r.slow, i, r.tol)
	} else {
		up = signals.SettledCrossedUp(r.fast, r.slow, i)
		down = signals.SettledCrossedDown(r.fast, r.slow, i)
	}

	// The tolerant window can see both directions; an open position acts on the cross
	// against it and a flat one prefers the upward cross.
	switch side {
	case backtest.Long:
		if down {
			return backtest.ActionReverse
		}
	case backtest.Short:
		if up {
			return backtest.ActionReverse
		}
	default:
		if up {
			return backtest.ActionEnterLong
		}
		if down {
			return backtest.ActionEnterShort
		}
	}
	return backtest.ActionHold
}

// ============================================================================
// MOMENTUM BREAKOUT
// ============================================================================

type momentumRule struct {
	momentum  []float64
	threshold float64
}

func newMomentumRule(cache *indicators.Cache, params backtest.ParameterSet) (*momentumRule, error) {
	window, err := params.Int(ParamWindow)
	if err != nil {
		return nil, err
	}
	threshold, err := positiveThreshold(params)
	if err != nil {
		return nil, err
	}
	momentum, err := cache.Get(indicators.KindMomentum, window)
	if err != nil {
		return nil, err
	}
	return &momentumRule{momentum: momentum, threshold: threshold}, nil
}

func (r *momentumRule) Ready(i int) bool {
	return i >= 1 && indicators.Defined(r.momentum[i])
}

// pair is the momentum transition into bar i. The bar before the first defined value
// counts as zero momentum, so a series that opens beyond the threshold still signals.
func (r *momentumRule) pair(i int) [2]float64 {
	prev := r.momentum[i-1]
	if !indicators.Defined(prev) {
		prev = 0
	}
	return [2]float64{prev, r.momentum[i]}
}

func (r *momentumRule) Decide(i int, side backtest.Side) backtest.Action {
	return momentumAction(r.pair(i), r.threshold, side, true, true)
}

// momentumAction applies threshold crossings to a momentum transition. Exits do not
// reverse; a new entry needs a fresh crossing from flat.
func momentumAction(p [2]float64, t float64, side backtest.Side, allowLong, allowShort bool) backtest.Action {
	m := p[:]
	switch side {
	case backtest.Long:
		if signals.DroppedBelow(m, t, 1) {
			return backtest.ActionExit
		}
	case backtest.Short:
		if signals.RoseAbove(m, -t, 1) {
			return backtest.ActionExit
		}
	default:
		if allowLong && signals.CrossedAbove(m, t, 1) {
			return backtest.ActionEnterLong
		}
		if allowShort && signals.CrossedBelow(m, -t, 1) {
			return backtest.ActionEnterShort
		}
	}
	return backtest.ActionHold
}

// ============================================================================
// MOMENTUM WITH TREND FILTER
// ============================================================================

type trendFilterRule struct {
	momentumRule
	closes []float64
	trend  []float64
}

func newTrendFilterRule(cache *indicators.Cache, average indicators.Kind, params backtest.ParameterSet) (*trendFilterRule, error) {
	momentumWindow, err := params.Int(ParamMomentum)
	if err != nil {
		return nil, err
	}
	trendWindow, err := params.Int(ParamTrend)
	if err != nil {
		return nil, err
	}
	if momentumWindow >= trendWindow {
		return nil, fmt.Errorf("momentum window %d must be below trend window %d: %w", momentumWindow, trendWindow, backtest.ErrInvalidParameter)
	}
	threshold, err := positiveThreshold(params)
	if err != nil {
		return nil, err
	}

	momentum, err := cache.Get(indicators.KindMomentum, momentumWindow)
	if err != nil {
		return nil, err
	}
	trend, err := cache.Get(average, trendWindow)
	if err != nil {
		return nil, err
	}
	return &trendFilterRule{
		momentumRule: momentumRule{momentum: momentum, threshold: threshold},
		closes:       cache.Closes(),
		trend:        trend,
	}, nil
}

func (r *trendFilterRule) Ready(i int) bool {
	return r.momentumRule.Ready(i) && indicators.Defined(r.trend[i])
}

func (r *trendFilterRule) Decide(i int, side backtest.Side) backtest.Action {
	price, trend := r.closes[i], r.trend[i]
	return momentumAction(r.pair(i), r.threshold, side, price > trend, price < trend)
}

// ============================================================================
// Z-SCORE THRESHOLD
// ============================================================================

type zscoreRule struct {
	z         []float64
	threshold float64
}

func newZScoreRule(cache *indicators.Cache, params backtest.ParameterSet) (*zscoreRule, error) {
	window, err := params.Int(ParamWindow)
	if err != nil {
		return nil, err
	}
	threshold, err := positiveThreshold(params)
	if err != nil {
		return nil, err
	}
	z, err := cache.Get(indicators.KindZScore, window)
	if err != nil {
		return nil, err
	}
	return &zscoreRule{z: z, threshold: threshold}, nil
}

func (r *zscoreRule) Ready(i int) bool {
	return indicators.Defined(r.z[i])
}

// Decide fades extremes: long below -threshold, short above +threshold, flat again once
// the z-score is back at or through the mean
func (r *zscoreRule) Decide(i int, side backtest.Side) backtest.Action {
	z := r.z[i]
	switch side {
	case backtest.Long:
		if z >= 0 {
			return backtest.ActionExit
		}
	case backtest.Short:
		if z <= 0 {
			return backtest.ActionExit
		}
	default:
		if z < -r.threshold {
			return backtest.ActionEnterLong
		}
		if z > r.threshold {
			return backtest.ActionEnterShort
		}
	}
	return backtest.ActionHold
}
