package strategy

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fxlab/fxbacktester/pkg/backtest"
)

// Options tunes a strategy optimization
type Options struct {
	Config           backtest.BacktestConfig
	Parallel         int
	Tolerance        float64
	ProgressInterval int
	Observer         backtest.Observer
}

// DefaultOptions uses the default simulator configuration and a sequential search
func DefaultOptions() Options {
	return Options{Config: backtest.DefaultConfig(), Parallel: 1}
}

// Optimize sweeps the strategy's grid on candles and returns the best point with its
// re-simulated run. A series too short for every window fails with ErrEmptySearchSpace.
func Optimize(ctx context.Context, def Definition, tf Timeframe, candles []*backtest.Candlestick, opts Options) (*backtest.OptimizationSummary, error) {
	grid, err := def.Grid(tf, len(candles))
	if err != nil {
		return nil, err
	}

	optimizer := backtest.NewGridSearchOptimizer(def.Factory(tf, opts.Tolerance), grid, def.Config(opts.Config))
	optimizer.SetParallelism(opts.Parallel)
	optimizer.SetProgressInterval(opts.ProgressInterval)
	if opts.Observer != nil {
		optimizer.SetObserver(opts.Observer)
	}

	log.Info().
		Str("strategy", def.ID).
		Str("family", def.FamilyFor(tf).String()).
		Str("timeframe", tf.Name).
		Str("execution", def.Execution().String()).
		Msg("Optimizing strategy")

	summary, err := optimizer.Optimize(ctx, candles)
	if err != nil {
		return nil, fmt.Errorf("optimizing %s on %s: %w", def.ID, tf.Name, err)
	}
	return summary, nil
}
