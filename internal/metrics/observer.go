package metrics

import (
	"github.com/fxlab/fxbacktester/pkg/backtest"
)

// SearchObserver exports grid search progress for one strategy, instrument and timeframe
type SearchObserver struct {
	strategy   string
	instrument string
	timeframe  string
}

// NewSearchObserver creates an observer whose series are labelled with the search target
func NewSearchObserver(strategy, instrument, timeframe string) *SearchObserver {
	return &SearchObserver{strategy: strategy, instrument: instrument, timeframe: timeframe}
}

// EvaluationDone counts a simulated grid point
func (o *SearchObserver) EvaluationDone(_ backtest.ParameterSet, _ float64, err error) {
	GridEvaluations.WithLabelValues(o.strategy, status(err == nil)).Inc()
}

// SearchDone publishes the winning point of a finished search
func (o *SearchObserver) SearchDone(summary *backtest.OptimizationSummary) {
	RecordOptimization(o.strategy, summary.Duration, nil)
	BestReturn.WithLabelValues(o.strategy, o.instrument, o.timeframe).Set(summary.BestScore)
	if summary.Best != nil {
		BestTrades.WithLabelValues(o.strategy, o.instrument, o.timeframe).Set(float64(len(summary.Best.Trades)))
	}
}
