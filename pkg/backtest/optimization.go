package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// PARAMETER GRID
// ============================================================================

// Dimension is one named axis of the search space with its candidate values in
// enumeration order
type Dimension struct {
	Name    string    `json:"name" yaml:"name"`
	Values  []float64 `json:"values" yaml:"values"`
	Integer bool      `json:"integer" yaml:"integer"`

	err error
}

// IntRange yields every integer in [lo, hi]
func IntRange(name string, lo, hi int) Dimension {
	values := make([]float64, 0)
	for v := lo; v <= hi; v++ {
		values = append(values, float64(v))
	}
	return Dimension{Name: name, Values: values, Integer: true}
}

// FloatRange yields start, start+step, ... strictly below stop. Values are rounded to
// 1e-10 so accumulated float noise does not leak into parameter sets.
func FloatRange(name string, start, stop, step float64) Dimension {
	dim := Dimension{Name: name, Values: make([]float64, 0)}
	if !(step > 0) || math.IsInf(step, 0) || math.IsNaN(start) || math.IsNaN(stop) {
		dim.err = fmt.Errorf("dimension %q: step must be positive and bounds finite: %w", name, ErrInvalidParameter)
		return dim
	}
	count := int(math.Ceil((stop-start)/step - 1e-9))
	for k := 0; k < count; k++ {
		dim.Values = append(dim.Values, roundTo(start+float64(k)*step, 1e10))
	}
	return dim
}

// Values builds a dimension from explicit candidates
func Values(name string, values ...float64) Dimension {
	return Dimension{Name: name, Values: append([]float64(nil), values...)}
}

// roundTo rounds v to 1/scale; scale must be an exact power of ten
func roundTo(v, scale float64) float64 {
	return math.Round(v*scale) / scale
}

// Constraint filters grid points by comparing a dimension with another dimension, or
// with Limit when Upper is empty
type Constraint struct {
	Lower string  `json:"lower" yaml:"lower"`
	Upper string  `json:"upper,omitempty" yaml:"upper,omitempty"`
	Limit float64 `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// LessThan keeps points where lower is strictly below upper
func LessThan(lower, upper string) Constraint {
	return Constraint{Lower: lower, Upper: upper}
}

// Below keeps points where the dimension is strictly below limit
func Below(name string, limit float64) Constraint {
	return Constraint{Lower: name, Limit: limit}
}

func (c Constraint) String() string {
	if c.Upper == "" {
		return c.Lower + " < " + strconv.FormatFloat(c.Limit, 'g', -1, 64)
	}
	return c.Lower + " < " + c.Upper
}

// Grid is a filtered Cartesian product of dimensions
type Grid struct {
	dims        []Dimension
	constraints []Constraint
	index       map[string]int
}

// NewGrid validates dimension names and constraint references
func NewGrid(dims []Dimension, constraints ...Constraint) (*Grid, error) {
	index := make(map[string]int, len(dims))
	for i, d := range dims {
		if d.err != nil {
			return nil, d.err
		}
		if d.Name == "" {
			return nil, fmt.Errorf("dimension %d has no name: %w", i, ErrInvalidParameter)
		}
		if _, dup := index[d.Name]; dup {
			return nil, fmt.Errorf("duplicate dimension %q: %w", d.Name, ErrInvalidParameter)
		}
		index[d.Name] = i
	}
	for _, c := range constraints {
		if _, ok := index[c.Lower]; !ok {
			return nil, fmt.Errorf("constraint %s references unknown dimension %q: %w", c, c.Lower, ErrInvalidParameter)
		}
		if c.Upper == "" {
			continue
		}
		if _, ok := index[c.Upper]; !ok {
			return nil, fmt.Errorf("constraint %s references unknown dimension %q: %w", c, c.Upper, ErrInvalidParameter)
		}
	}
	return &Grid{
		dims:        append([]Dimension(nil), dims...),
		constraints: append([]Constraint(nil), constraints...),
		index:       index,
	}, nil
}

// Dimensions returns the grid axes in enumeration order
func (g *Grid) Dimensions() []Dimension {
	return append([]Dimension(nil), g.dims...)
}

// Constraints returns the ordering constraints of the grid
func (g *Grid) Constraints() []Constraint {
	return append([]Constraint(nil), g.constraints...)
}

// Points enumerates the filtered product with the first dimension outermost
func (g *Grid) Points() []ParameterSet {
	points := make([]ParameterSet, 0)
	if len(g.dims) == 0 {
		return points
	}
	for _, d := range g.dims {
		if len(d.Values) == 0 {
			return points
		}
	}

	names := make([]string, len(g.dims))
	integer := make([]bool, len(g.dims))
	for i, d := range g.dims {
		names[i] = d.Name
		integer[i] = d.Integer
	}

	odometer := make([]int, len(g.dims))
	for {
		values := make([]float64, len(g.dims))
		for i, d := range g.dims {
			values[i] = d.Values[odometer[i]]
		}
		if g.accepts(values) {
			points = append(points, ParameterSet{names: names, values: values, integer: integer})
		}

		// Advance the innermost dimension first
		k := len(odometer) - 1
		for k >= 0 {
			odometer[k]++
			if odometer[k] < len(g.dims[k].Values) {
				break
			}
			odometer[k] = 0
			k--
		}
		if k < 0 {
			return points
		}
	}
}

func (g *Grid) accepts(values []float64) bool {
	for _, c := range g.constraints {
		bound := c.Limit
		if c.Upper != "" {
			bound = values[g.index[c.Upper]]
		}
		if !(values[g.index[c.Lower]] < bound) {
			return false
		}
	}
	return true
}

// ParameterSet is one immutable grid point
type ParameterSet struct {
	names   []string
	values  []float64
	integer []bool
}

// Param is a single named parameter value
type Param struct {
	Name    string  `json:"name" yaml:"name"`
	Value   float64 `json:"value" yaml:"value"`
	Integer bool    `json:"integer,omitempty" yaml:"integer,omitempty"`
}

// NewParameterSet builds a point from explicit values, in the given order
func NewParameterSet(params ...Param) ParameterSet {
	ps := ParameterSet{
		names:   make([]string, len(params)),
		values:  make([]float64, len(params)),
		integer: make([]bool, len(params)),
	}
	for i, p := range params {
		ps.names[i] = p.Name
		ps.values[i] = p.Value
		ps.integer[i] = p.Integer
	}
	return ps
}

func (ps ParameterSet) lookup(name string) (int, bool) {
	for i, n := range ps.names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// Int returns an integer parameter
func (ps ParameterSet) Int(name string) (int, error) {
	i, ok := ps.lookup(name)
	if !ok {
		return 0, fmt.Errorf("missing parameter %q: %w", name, ErrInvalidParameter)
	}
	v := ps.values[i]
	if v != math.Trunc(v) {
		return 0, fmt.Errorf("parameter %q is not an integer (%v): %w", name, v, ErrInvalidParameter)
	}
	return int(v), nil
}

// Float returns a real-valued parameter
func (ps ParameterSet) Float(name string) (float64, error) {
	i, ok := ps.lookup(name)
	if !ok {
		return 0, fmt.Errorf("missing parameter %q: %w", name, ErrInvalidParameter)
	}
	return ps.values[i], nil
}

// Names returns parameter names in grid order
func (ps ParameterSet) Names() []string {
	return append([]string(nil), ps.names...)
}

// Params returns the named values in grid order
func (ps ParameterSet) Params() []Param {
	params := make([]Param, len(ps.names))
	for i := range ps.names {
		params[i] = Param{Name: ps.names[i], Value: ps.values[i], Integer: ps.integer[i]}
	}
	return params
}

// Map returns the parameters keyed by name
func (ps ParameterSet) Map() map[string]float64 {
	m := make(map[string]float64, len(ps.names))
	for i, n := range ps.names {
		m[n] = ps.values[i]
	}
	return m
}

// Len returns the number of parameters
func (ps ParameterSet) Len() int {
	return len(ps.names)
}

func (ps ParameterSet) String() string {
	parts := make([]string, len(ps.names))
	for i, n := range ps.names {
		if ps.integer[i] {
			parts[i] = fmt.Sprintf("%s=%d", n, int(ps.values[i]))
		} else {
			parts[i] = n + "=" + strconv.FormatFloat(ps.values[i], 'g', -1, 64)
		}
	}
	return strings.Join(parts, ", ")
}

// ============================================================================
// OPTIMIZATION RESULTS
// ============================================================================

// OptimizationResult is the score of one grid point
type OptimizationResult struct {
	Parameters  ParameterSet `json:"-" yaml:"-"`
	Score       float64      `json:"score" yaml:"score"`
	FinalEquity float64      `json:"final_equity" yaml:"final_equity"`
	TotalTrades int          `json:"total_trades" yaml:"total_trades"`
	Rank        int          `json:"rank" yaml:"rank"`
	Undefined   bool         `json:"-" yaml:"-"` // the run produced no finite return
}

// OptimizationSummary contains the outcome of a grid search
type OptimizationSummary struct {
	Method         string                `json:"method"`
	BestParameters ParameterSet          `json:"-"`
	BestScore      float64               `json:"best_score"`
	Best           *Result               `json:"best"`
	TotalRuns      int                   `json:"total_runs"`
	Failed         int                   `json:"failed"`
	Duration       time.Duration         `json:"duration"`
	Dimensions     []Dimension           `json:"dimensions"`
	Constraints    []Constraint          `json:"constraints"`
	TopResults     []*OptimizationResult `json:"top_results"`
}

// RuleFactory builds the rule for one grid point over a series
type RuleFactory func(params ParameterSet, candles []*Candlestick) (Rule, error)

// Observer receives optimizer progress. err is non-nil for points skipped because their
// return is undefined. Implementations must be safe for concurrent use.
type Observer interface {
	EvaluationDone(params ParameterSet, score float64, err error)
	SearchDone(summary *OptimizationSummary)
}

// ============================================================================
// GRID SEARCH OPTIMIZER
// ============================================================================

var errUndefinedReturn = fmt.Errorf("undefined return: %w", ErrInvalidInput)

const (
	defaultProgressInterval = 500
	topResultsCount         = 10
)

// GridSearchOptimizer performs exhaustive grid search over parameter space
type GridSearchOptimizer struct {
	factory          RuleFactory
	grid             *Grid
	config           BacktestConfig
	parallel         int // <= 1 means sequential
	progressInterval int
	observer         Observer
}

// NewGridSearchOptimizer creates a sequential optimizer
func NewGridSearchOptimizer(factory RuleFactory, grid *Grid, config BacktestConfig) *GridSearchOptimizer {
	return &GridSearchOptimizer{
		factory:          factory,
		grid:             grid,
		config:           config,
		parallel:         1,
		progressInterval: defaultProgressInterval,
	}
}

// SetParallelism sets the number of parallel workers
func (opt *GridSearchOptimizer) SetParallelism(n int) {
	opt.parallel = n
}

// SetProgressInterval sets how many evaluations pass between progress log lines
func (opt *GridSearchOptimizer) SetProgressInterval(n int) {
	if n > 0 {
		opt.progressInterval = n
	}
}

// SetObserver attaches a progress observer
func (opt *GridSearchOptimizer) SetObserver(o Observer) {
	opt.observer = o
}

// Optimize evaluates every grid point and re-simulates the best one. The best point is the
// first in enumeration order among those with the highest score, whatever the parallelism.
// A point the factory or the engine rejects stops the search with that error; points whose
// return is undefined are counted in Failed and never selected.
func (opt *GridSearchOptimizer) Optimize(ctx context.Context, candles []*Candlestick) (*OptimizationSummary, error) {
	startTime := time.Now()

	if opt.factory == nil || opt.grid == nil {
		return nil, fmt.Errorf("optimizer needs a rule factory and a grid: %w", ErrInvalidParameter)
	}
	if err := opt.config.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSeries(candles); err != nil {
		return nil, err
	}

	points := opt.grid.Points()
	totalRuns := len(points)
	if totalRuns == 0 {
		return nil, fmt.Errorf("no grid point satisfies %v: %w", opt.grid.constraints, ErrEmptySearchSpace)
	}

	log.Info().
		Int("combinations", totalRuns).
		Int("parallel", opt.parallel).
		Str("symbol", candles[0].Symbol).
		Msg("Starting grid search optimization")

	results := make([]*OptimizationResult, totalRuns)
	var completed atomic.Int64

	evaluate := func(ctx context.Context, idx int) error {
		result, err := opt.runBacktest(ctx, points[idx], candles)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("evaluating %s: %w", points[idx], err)
		}
		results[idx] = result
		opt.reportProgress(int(completed.Add(1)), totalRuns)
		if opt.observer != nil {
			var undefined error
			if result.Undefined {
				undefined = errUndefinedReturn
			}
			opt.observer.EvaluationDone(result.Parameters, result.Score, undefined)
		}
		return nil
	}

	if opt.parallel <= 1 {
		for idx := range points {
			if err := evaluate(ctx, idx); err != nil {
				return nil, err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opt.parallel)
		for idx := range points {
			g.Go(func() error {
				return evaluate(gctx, idx)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	// Fold in enumeration order so ties keep the earliest point
	var best *OptimizationResult
	failed := 0
	for _, r := range results {
		if r.Undefined {
			failed++
			continue
		}
		if best == nil || r.Score > best.Score {
			best = r
		}
	}
	if best == nil {
		return nil, fmt.Errorf("all %d evaluations: %w", totalRuns, errUndefinedReturn)
	}

	bestRun, err := opt.simulate(ctx, best.Parameters, candles)
	if err != nil {
		return nil, fmt.Errorf("re-running best parameters %s: %w", best.Parameters, err)
	}

	summary := &OptimizationSummary{
		Method:         "grid_search",
		BestParameters: best.Parameters,
		BestScore:      best.Score,
		Best:           bestRun,
		TotalRuns:      totalRuns,
		Failed:         failed,
		Duration:       time.Since(startTime),
		Dimensions:     opt.grid.Dimensions(),
		Constraints:    opt.grid.Constraints(),
		TopResults:     topResults(results, topResultsCount),
	}

	log.Info().
		Int("total_runs", totalRuns).
		Int("failed", failed).
		Str("best_parameters", best.Parameters.String()).
		Float64("best_score", best.Score).
		Dur("duration", summary.Duration).
		Msg("Grid search optimization complete")

	if opt.observer != nil {
		opt.observer.SearchDone(summary)
	}

	return summary, nil
}

func (opt *GridSearchOptimizer) reportProgress(done, total int) {
	if done%opt.progressInterval == 0 || done == total {
		log.Info().
			Int("completed", done).
			Int("total", total).
			Msgf("Grid search progress: %.1f%%", float64(done)/float64(total)*100)
	}
}

func (opt *GridSearchOptimizer) simulate(ctx context.Context, params ParameterSet, candles []*Candlestick) (*Result, error) {
	rule, err := opt.factory(params, candles)
	if err != nil {
		return nil, err
	}
	return NewEngine(opt.config).Run(ctx, candles, rule)
}

// runBacktest runs a single backtest with given parameters
func (opt *GridSearchOptimizer) runBacktest(ctx context.Context, params ParameterSet, candles []*Candlestick) (*OptimizationResult, error) {
	run, err := opt.simulate(ctx, params, candles)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			log.Debug().Err(err).Str("parameters", params.String()).Msg("Evaluation failed")
		}
		return nil, err
	}

	result := &OptimizationResult{Parameters: params}
	if math.IsNaN(run.Return) || math.IsInf(run.Return, 0) {
		result.Undefined = true
		return result, nil
	}
	result.Score = run.Return
	result.FinalEquity = run.FinalEquity
	result.TotalTrades = len(run.Trades)
	return result, nil
}

// topResults ranks successful results by score, keeping enumeration order among ties
func topResults(results []*OptimizationResult, n int) []*OptimizationResult {
	ok := make([]*OptimizationResult, 0, len(results))
	for _, r := range results {
		if !r.Undefined {
			ok = append(ok, r)
		}
	}
	sort.SliceStable(ok, func(i, j int) bool {
		return ok[i].Score > ok[j].Score
	})
	for i, r := range ok {
		r.Rank = i + 1
	}
	if len(ok) > n {
		ok = ok[:n]
	}
	return ok
}
