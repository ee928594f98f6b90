package strategy

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxlab/fxbacktester/pkg/backtest"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

func candlesFrom(closes []float64, step time.Duration) []*backtest.Candlestick {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]*backtest.Candlestick, len(closes))
	for i, c := range closes {
		candles[i] = &backtest.Candlestick{
			Symbol:    "EURUSD=X",
			Timestamp: start.Add(time.Duration(i) * step),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
		}
	}
	return candles
}

func linear(from, to float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + (to-from)*float64(i)/float64(n-1)
	}
	return out
}

func constant(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func mustTimeframe(t *testing.T, name string) Timeframe {
	t.Helper()
	tf, err := LookupTimeframe(name)
	require.NoError(t, err)
	return tf
}

func mustLookup(t *testing.T, id string) Definition {
	t.Helper()
	def, err := Lookup(id)
	require.NoError(t, err)
	return def
}

func intParam(name string, v int) backtest.Param {
	return backtest.Param{Name: name, Value: float64(v), Integer: true}
}

func floatParam(name string, v float64) backtest.Param {
	return backtest.Param{Name: name, Value: v}
}

func simulate(t *testing.T, def Definition, tf Timeframe, candles []*backtest.Candlestick, params ...backtest.Param) *backtest.Result {
	t.Helper()
	rule, err := def.Factory(tf, 0)(backtest.NewParameterSet(params...), candles)
	require.NoError(t, err)
	result, err := backtest.NewEngine(def.Config(backtest.DefaultConfig())).Run(context.Background(), candles, rule)
	require.NoError(t, err)
	return result
}

func countSides(trades []*backtest.Trade) (long, short int) {
	for _, tr := range trades {
		if tr.Side == backtest.Long.String() {
			long++
		} else {
			short++
		}
	}
	return long, short
}

// ============================================================================
// TABLE TESTS
// ============================================================================

func TestLookup(t *testing.T) {
	ids := make([]string, 0)
	for _, d := range All() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"sma-crossover", "momentum", "mean-reversion", "ema-crossover", "momentum-sma", "momentum-ema"}, ids)

	def, err := Lookup(" EMA-Crossover ")
	require.NoError(t, err)
	assert.Equal(t, FamilyCrossover, def.Family)

	_, err = Lookup("rsi")
	assert.Error(t, err)
}

func TestTimeframes(t *testing.T) {
	tests := []struct {
		name     string
		interval string
		intraday bool
		momentum float64
		zscore   float64
		fileKey  string
	}{
		{"1y", "1d", false, 0.02, 2.5, "1y"},
		{"6mo", "1d", false, 0.01, 1.75, "6mo"},
		{"5d", "15m", true, 0.002, 1.5, "5dm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tf := mustTimeframe(t, tt.name)
			assert.Equal(t, tt.interval, tf.Interval)
			assert.Equal(t, tt.intraday, tf.Intraday)
			assert.Equal(t, tt.momentum, tf.MomentumThreshold)
			assert.Equal(t, tt.zscore, tf.ZScoreThreshold)
			assert.Equal(t, tt.fileKey, tf.FileKey())
		})
	}

	_, err := LookupTimeframe("1h")
	assert.Error(t, err)
}

func TestLookupInstrument(t *testing.T) {
	for _, name := range []string{"EUR/USD", "eurusd", "EURUSD=X"} {
		in, err := LookupInstrument(name)
		require.NoError(t, err, name)
		assert.Equal(t, "EURUSD=X", in.Ticker)
		assert.Equal(t, "eurusd", in.FileStem())
	}
	assert.Len(t, Instruments(), 5)

	_, err := LookupInstrument("BTC/USD")
	assert.Error(t, err)
}

func TestFamilyAndExecution(t *testing.T) {
	sma := mustLookup(t, "sma-crossover")
	assert.Equal(t, FamilyCrossover, sma.FamilyFor(mustTimeframe(t, "1y")))
	assert.Equal(t, FamilyToleranceCrossover, sma.FamilyFor(mustTimeframe(t, "5d")))
	assert.Equal(t, backtest.ExecuteOnClose, sma.Execution())
	assert.Equal(t, backtest.ExecuteOnClose, mustLookup(t, "ema-crossover").Execution())

	for _, id := range []string{"momentum", "mean-reversion", "momentum-sma", "momentum-ema"} {
		def := mustLookup(t, id)
		assert.Equal(t, backtest.ExecuteOnNextOpen, def.Execution(), id)
		assert.Equal(t, def.Family, def.FamilyFor(mustTimeframe(t, "5d")), id)
	}
}

func TestGridShapes(t *testing.T) {
	tf := mustTimeframe(t, "6mo")
	tests := map[string]int{
		"sma-crossover":  816, // fast 3..19, slow up to 59, fast < slow
		"ema-crossover":  816,
		"momentum":       17, // window 3..19
		"mean-reversion": 17,
		"momentum-sma":   5840, // 584 window pairs x 10 thresholds
		"momentum-ema":   5840,
	}
	for id, size := range tests {
		t.Run(id, func(t *testing.T) {
			grid, err := mustLookup(t, id).Grid(tf, 0)
			require.NoError(t, err)
			points := grid.Points()
			assert.Len(t, points, size)
		})
	}

	grid, err := mustLookup(t, "momentum").Grid(tf, 0)
	require.NoError(t, err)
	threshold, err := grid.Points()[0].Float(ParamThreshold)
	require.NoError(t, err)
	assert.Equal(t, 0.01, threshold)

	grid, err = mustLookup(t, "momentum-ema").Grid(tf, 0)
	require.NoError(t, err)
	first := grid.Points()[0]
	assert.Equal(t, "momentum=5, trend=6, threshold=0.005", first.String())
}

func TestGridKeepsWindowsBelowSeriesLength(t *testing.T) {
	tf := mustTimeframe(t, "1y")
	tests := []struct {
		id   string
		bars int
		size int
	}{
		{"sma-crossover", 40, 476}, // slow 4..39
		{"ema-crossover", 20, 136}, // slow 4..19
		{"momentum", 10, 7},        // window 3..9
		{"mean-reversion", 10, 7},
		{"momentum-sma", 30, 2640}, // trend 6..29
		{"sma-crossover", 4, 0},
		{"momentum", 3, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.id, tt.bars), func(t *testing.T) {
			grid, err := mustLookup(t, tt.id).Grid(tf, tt.bars)
			require.NoError(t, err)
			points := grid.Points()
			assert.Len(t, points, tt.size)
			for _, p := range points {
				for name, v := range p.Map() {
					if name != ParamThreshold {
						assert.Less(t, v, float64(tt.bars), "%s in %s", name, p)
					}
				}
			}
		})
	}
}

func TestOptimizeShortSeries(t *testing.T) {
	tf := mustTimeframe(t, "1y")
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 1.1 + 0.02*math.Sin(float64(i)/3)
	}

	summary, err := Optimize(context.Background(), mustLookup(t, "sma-crossover"), tf, candlesFrom(closes, 24*time.Hour), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 476, summary.TotalRuns)
	assert.Zero(t, summary.Failed)

	_, err = Optimize(context.Background(), mustLookup(t, "sma-crossover"), tf, candlesFrom(closes[:3], 24*time.Hour), DefaultOptions())
	assert.ErrorIs(t, err, backtest.ErrEmptySearchSpace)
	assert.NotErrorIs(t, err, backtest.ErrInvalidParameter)
}

// ============================================================================
// RULE BEHAVIOUR
// ============================================================================

func TestMomentumOnRisingSeriesOnlyGoesLong(t *testing.T) {
	candles := candlesFrom(linear(100, 200, 101), 24*time.Hour)
	def := mustLookup(t, "momentum")
	tf := mustTimeframe(t, "1y")

	result := simulate(t, def, tf, candles, intParam(ParamWindow, 5), floatParam(ParamThreshold, 0.02))

	long, short := countSides(result.Trades)
	assert.GreaterOrEqual(t, long, 1)
	assert.Zero(t, short)
	assert.Equal(t, 6, result.Trades[0].EntryIndex, "signal at bar 5 fills at the next open")
	assert.Greater(t, result.Return, 0.0)
}

func TestConstantSeriesNeverTrades(t *testing.T) {
	for _, price := range []float64{100, 0.1, 1.0843, 152.37} {
		candles := candlesFrom(constant(price, 120), 24*time.Hour)

		for _, def := range All() {
			for _, tfName := range []string{"1y", "5d"} {
				tf := mustTimeframe(t, tfName)
				t.Run(fmt.Sprintf("%v/%s/%s", price, def.ID, tfName), func(t *testing.T) {
					grid, err := def.Grid(tf, len(candles))
					require.NoError(t, err)
					factory := def.Factory(tf, 0)
					engine := backtest.NewEngine(def.Config(backtest.DefaultConfig()))

					for _, params := range grid.Points() {
						rule, err := factory(params, candles)
						require.NoError(t, err)
						result, err := engine.Run(context.Background(), candles, rule)
						require.NoError(t, err)
						require.Empty(t, result.Trades, "parameters %s", params)
					}

					summary, err := Optimize(context.Background(), def, tf, candles, DefaultOptions())
					require.NoError(t, err)
					assert.Equal(t, 0.0, summary.BestScore)
					assert.Zero(t, summary.Failed)
				})
			}
		}
	}
}

func TestCrossoverEntersLongAfterTrough(t *testing.T) {
	closes := append(linear(1.20, 1.10, 30), linear(1.105, 1.25, 30)...)
	candles := candlesFrom(closes, 24*time.Hour)

	result := simulate(t, mustLookup(t, "sma-crossover"), mustTimeframe(t, "1y"), candles,
		intParam(ParamFast, 3), intParam(ParamSlow, 10))

	require.NotEmpty(t, result.Trades)
	assert.Equal(t, "LONG", result.Trades[0].Side)
	assert.Greater(t, result.Trades[0].EntryIndex, 29)
	assert.Equal(t, closes[result.Trades[0].EntryIndex], result.Trades[0].EntryPrice, "crossovers fill on the signal close")
}

func TestCrossoverReversesOnOppositeCross(t *testing.T) {
	closes := append(append(linear(1.10, 1.20, 25), linear(1.19, 1.05, 25)...), linear(1.06, 1.30, 25)...)
	candles := candlesFrom(closes, 24*time.Hour)

	result := simulate(t, mustLookup(t, "ema-crossover"), mustTimeframe(t, "1y"), candles,
		intParam(ParamFast, 3), intParam(ParamSlow, 8))

	require.GreaterOrEqual(t, len(result.Trades), 2)
	for k := 1; k < len(result.Trades); k++ {
		prev, cur := result.Trades[k-1], result.Trades[k]
		assert.NotEqual(t, prev.Side, cur.Side)
		assert.Equal(t, prev.ExitIndex, cur.EntryIndex, "reversal closes and reopens in the same bar")
	}
}

func TestIntradayCrossoverUsesTolerance(t *testing.T) {
	candles := candlesFrom(linear(1.1, 1.2, 40), 15*time.Minute)
	def := mustLookup(t, "sma-crossover")

	rule, err := def.Factory(mustTimeframe(t, "5d"), 0)(backtest.NewParameterSet(intParam(ParamFast, 3), intParam(ParamSlow, 5)), candles)
	require.NoError(t, err)
	cr, ok := rule.(*crossoverRule)
	require.True(t, ok)
	assert.True(t, cr.tolerant)
	assert.Equal(t, 1e-6, cr.tol)

	rule, err = def.Factory(mustTimeframe(t, "1y"), 0)(backtest.NewParameterSet(intParam(ParamFast, 3), intParam(ParamSlow, 5)), candles)
	require.NoError(t, err)
	assert.False(t, rule.(*crossoverRule).tolerant)
}

func TestTolerantCrossoverReversesEitherSide(t *testing.T) {
	// The 2-bar window at index 2 holds an up-cross (1.0 -> 1.2) and a down-cross (1.2 -> 0.9)
	rule := &crossoverRule{
		fast:     []float64{1.0, 1.2, 0.9},
		slow:     []float64{1.1, 1.1, 1.1},
		tolerant: true,
		tol:      1e-6,
	}
	assert.Equal(t, backtest.ActionReverse, rule.Decide(2, backtest.Long))
	assert.Equal(t, backtest.ActionEnterLong, rule.Decide(2, backtest.Flat))

	mirror := &crossoverRule{
		fast:     []float64{1.2, 1.0, 1.3},
		slow:     []float64{1.1, 1.1, 1.1},
		tolerant: true,
		tol:      1e-6,
	}
	assert.Equal(t, backtest.ActionReverse, mirror.Decide(2, backtest.Short))
	assert.Equal(t, backtest.ActionEnterLong, mirror.Decide(2, backtest.Flat))

	// A cross in the direction already held changes nothing
	assert.Equal(t, backtest.ActionHold, rule.Decide(1, backtest.Long))
	assert.Equal(t, backtest.ActionHold, mirror.Decide(1, backtest.Short))
}

func TestMeanReversionFadesExtremes(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + 0.1*float64(i%2)
	}
	closes[20] = 90  // long extreme
	closes[30] = 110 // short extreme
	candles := candlesFrom(closes, 24*time.Hour)

	result := simulate(t, mustLookup(t, "mean-reversion"), mustTimeframe(t, "5d"), candles,
		intParam(ParamWindow, 5), floatParam(ParamThreshold, 1.5))

	require.Len(t, result.Trades, 2)
	assert.Equal(t, "LONG", result.Trades[0].Side)
	assert.Equal(t, 21, result.Trades[0].EntryIndex)
	assert.Equal(t, 22, result.Trades[0].ExitIndex)
	assert.Equal(t, "SHORT", result.Trades[1].Side)
	assert.Equal(t, 31, result.Trades[1].EntryIndex)
}

func TestTrendFilterBlocksEntriesAgainstTrend(t *testing.T) {
	nan := math.NaN()
	rule := &trendFilterRule{
		momentumRule: momentumRule{momentum: []float64{nan, 0.0, 0.03, 0.0, -0.03}, threshold: 0.02},
		closes:       []float64{1.0, 1.0, 1.0, 1.0, 1.0},
		trend:        []float64{nan, 1.1, 1.1, 0.9, 0.9},
	}

	assert.False(t, rule.Ready(0))
	// Long breakout with price under the trend line
	assert.Equal(t, backtest.ActionHold, rule.Decide(2, backtest.Flat))
	// Short breakout with price over the trend line
	assert.Equal(t, backtest.ActionHold, rule.Decide(4, backtest.Flat))

	rule.trend = []float64{nan, 0.9, 0.9, 1.1, 1.1}
	assert.Equal(t, backtest.ActionEnterLong, rule.Decide(2, backtest.Flat))
	assert.Equal(t, backtest.ActionEnterShort, rule.Decide(4, backtest.Flat))
}

func TestMomentumActionExitsWithoutReversal(t *testing.T) {
	assert.Equal(t, backtest.ActionExit, momentumAction([2]float64{0.03, 0.01}, 0.02, backtest.Long, true, true))
	assert.Equal(t, backtest.ActionHold, momentumAction([2]float64{0.03, 0.025}, 0.02, backtest.Long, true, true))
	assert.Equal(t, backtest.ActionExit, momentumAction([2]float64{-0.03, -0.01}, 0.02, backtest.Short, true, true))
	assert.Equal(t, backtest.ActionEnterShort, momentumAction([2]float64{-0.01, -0.02}, 0.02, backtest.Flat, true, true))
	assert.Equal(t, backtest.ActionHold, momentumAction([2]float64{0.0, 0.0}, 0.02, backtest.Flat, true, true))
}

func TestFactoryRejectsBadParameters(t *testing.T) {
	candles := candlesFrom(linear(1, 2, 30), 24*time.Hour)
	tf := mustTimeframe(t, "1y")

	_, err := mustLookup(t, "sma-crossover").Factory(tf, 0)(backtest.NewParameterSet(intParam(ParamFast, 8), intParam(ParamSlow, 5)), candles)
	assert.ErrorIs(t, err, backtest.ErrInvalidParameter)

	_, err = mustLookup(t, "momentum").Factory(tf, 0)(backtest.NewParameterSet(intParam(ParamWindow, 30), floatParam(ParamThreshold, 0.02)), candles)
	assert.ErrorIs(t, err, backtest.ErrInvalidParameter, "window must be shorter than the series")

	_, err = mustLookup(t, "mean-reversion").Factory(tf, 0)(backtest.NewParameterSet(intParam(ParamWindow, 5), floatParam(ParamThreshold, 0)), candles)
	assert.ErrorIs(t, err, backtest.ErrInvalidParameter)

	_, err = mustLookup(t, "momentum-sma").Factory(tf, 0)(backtest.NewParameterSet(intParam(ParamMomentum, 5)), candles)
	assert.ErrorIs(t, err, backtest.ErrInvalidParameter)
}

func TestOptimizeSequentialMatchesParallel(t *testing.T) {
	closes := make([]float64, 150)
	for i := range closes {
		closes[i] = 1.1 + 0.02*math.Sin(float64(i)/7) + 0.005*math.Cos(float64(i)/2)
	}
	candles := candlesFrom(closes, 24*time.Hour)
	tf := mustTimeframe(t, "1y")

	for _, id := range []string{"sma-crossover", "momentum", "mean-reversion"} {
		t.Run(id, func(t *testing.T) {
			def := mustLookup(t, id)
			seq, err := Optimize(context.Background(), def, tf, candles, DefaultOptions())
			require.NoError(t, err)

			opts := DefaultOptions()
			opts.Parallel = 6
			par, err := Optimize(context.Background(), def, tf, candles, opts)
			require.NoError(t, err)

			assert.Equal(t, seq.BestParameters.String(), par.BestParameters.String())
			assert.Equal(t, seq.BestScore, par.BestScore)
			assert.Equal(t, seq.BestScore, seq.Best.Return)
		})
	}
}
