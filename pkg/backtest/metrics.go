// Performance metrics calculation for backtesting
package backtest

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// ============================================================================
// PERFORMANCE METRICS
// ============================================================================

// Metrics holds all performance metrics for a simulation
type Metrics struct {
	Symbol string `json:"symbol" yaml:"symbol"`

	// Returns
	TotalReturn    float64 `json:"total_return" yaml:"total_return"`         // Net profit/loss
	TotalReturnPct float64 `json:"total_return_pct" yaml:"total_return_pct"` // Net return percentage
	CAGR           float64 `json:"cagr" yaml:"cagr"`                         // Compound Annual Growth Rate

	// Risk metrics
	MaxDrawdown    float64 `json:"max_drawdown" yaml:"max_drawdown"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	Volatility     float64 `json:"volatility" yaml:"volatility"` // Annualized, percent
	SharpeRatio    float64 `json:"sharpe_ratio" yaml:"sharpe_ratio"`
	SortinoRatio   float64 `json:"sortino_ratio" yaml:"sortino_ratio"`
	CalmarRatio    float64 `json:"calmar_ratio" yaml:"calmar_ratio"`
	ExposurePct    float64 `json:"exposure_pct" yaml:"exposure_pct"` // Share of bars spent in a position

	// Trade statistics
	TotalTrades   int     `json:"total_trades" yaml:"total_trades"`
	LongTrades    int     `json:"long_trades" yaml:"long_trades"`
	ShortTrades   int     `json:"short_trades" yaml:"short_trades"`
	WinningTrades int     `json:"winning_trades" yaml:"winning_trades"`
	LosingTrades  int     `json:"losing_trades" yaml:"losing_trades"`
	WinRate       float64 `json:"win_rate" yaml:"win_rate"`
	AverageWin    float64 `json:"average_win" yaml:"average_win"`
	AverageLoss   float64 `json:"average_loss" yaml:"average_loss"`
	LargestWin    float64 `json:"largest_win" yaml:"largest_win"`
	LargestLoss   float64 `json:"largest_loss" yaml:"largest_loss"`
	ProfitFactor  float64 `json:"profit_factor" yaml:"profit_factor"`
	Expectancy    float64 `json:"expectancy" yaml:"expectancy"`
	Commission    float64 `json:"commission" yaml:"commission"`

	// Time statistics
	AverageHoldingTime time.Duration `json:"average_holding_time" yaml:"average_holding_time"`
	MedianHoldingTime  time.Duration `json:"median_holding_time" yaml:"median_holding_time"`
	MaxHoldingTime     time.Duration `json:"max_holding_time" yaml:"max_holding_time"`
	MinHoldingTime     time.Duration `json:"min_holding_time" yaml:"min_holding_time"`

	// Account statistics
	InitialCapital float64       `json:"initial_capital" yaml:"initial_capital"`
	FinalEquity    float64       `json:"final_equity" yaml:"final_equity"`
	PeakEquity     float64       `json:"peak_equity" yaml:"peak_equity"`
	EquityLow      float64       `json:"equity_low" yaml:"equity_low"`
	StartDate      time.Time     `json:"start_date" yaml:"start_date"`
	EndDate        time.Time     `json:"end_date" yaml:"end_date"`
	Duration       time.Duration `json:"duration" yaml:"duration"`
	Bars           int           `json:"bars" yaml:"bars"`
}

// CalculateMetrics derives performance metrics from a simulation result
func CalculateMetrics(result *Result) (*Metrics, error) {
	if result == nil || len(result.EquityCurve) == 0 {
		return nil, fmt.Errorf("no equity curve data")
	}

	curve := result.EquityCurve
	metrics := &Metrics{
		Symbol:         result.Symbol,
		InitialCapital: result.InitialCapital,
		FinalEquity:    result.FinalEquity,
		MaxDrawdown:    result.MaxDrawdown,
		MaxDrawdownPct: result.MaxDrawdownPct,
		TotalTrades:    len(result.Trades),
		StartDate:      curve[0].Timestamp,
		EndDate:        curve[len(curve)-1].Timestamp,
		Bars:           len(curve),
	}
	metrics.Duration = metrics.EndDate.Sub(metrics.StartDate)

	metrics.TotalReturn = metrics.FinalEquity - metrics.InitialCapital
	metrics.TotalReturnPct = result.Return * 100.0

	if metrics.Duration > 0 && metrics.FinalEquity > 0 {
		years := metrics.Duration.Hours() / 24.0 / 365.25
		metrics.CAGR = (math.Pow(metrics.FinalEquity/metrics.InitialCapital, 1.0/years) - 1.0) * 100.0
		if math.IsInf(metrics.CAGR, 0) || math.IsNaN(metrics.CAGR) {
			metrics.CAGR = 0 // span too short to annualize
		}
	}

	metrics.PeakEquity = metrics.InitialCapital
	metrics.EquityLow = metrics.InitialCapital
	for _, point := range curve {
		metrics.PeakEquity = math.Max(metrics.PeakEquity, point.Equity)
		metrics.EquityLow = math.Min(metrics.EquityLow, point.Equity)
	}

	if len(result.Positions) > 0 {
		inMarket := 0
		for _, side := range result.Positions {
			if side != Flat {
				inMarket++
			}
		}
		metrics.ExposurePct = float64(inMarket) / float64(len(result.Positions)) * 100.0
	}

	if len(result.Trades) > 0 {
		calculateTradeStatistics(metrics, result.Trades)
	}

	periods := periodsPerYear(curve)
	calculateRiskMetrics(metrics, curve, periods)
	calculateSortinoRatio(metrics, curve, periods)

	if metrics.MaxDrawdownPct > 0 {
		metrics.CalmarRatio = metrics.CAGR / metrics.MaxDrawdownPct
	}

	return metrics, nil
}

// periodsPerYear scales per-bar statistics using the median bar spacing: 252 trading days
// for daily bars, proportionally more for intraday bars
func periodsPerYear(curve []*EquityPoint) float64 {
	if len(curve) < 2 {
		return 252
	}
	gaps := make([]time.Duration, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		gaps = append(gaps, curve[i].Timestamp.Sub(curve[i-1].Timestamp))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	median := gaps[len(gaps)/2]
	if median <= 0 || median >= 24*time.Hour {
		return 252
	}
	return 252 * float64(24*time.Hour) / float64(median)
}

// calculateTradeStatistics calculates statistics from completed trades
func calculateTradeStatistics(metrics *Metrics, trades []*Trade) {
	var totalWin, totalLoss float64
	holdingTimes := make([]time.Duration, 0, len(trades))

	for _, trade := range trades {
		holdingTimes = append(holdingTimes, trade.HoldingTime)
		metrics.Commission += trade.Commission

		if trade.Side == Long.String() {
			metrics.LongTrades++
		} else {
			metrics.ShortTrades++
		}

		if trade.RealizedPL > 0 {
			metrics.WinningTrades++
			totalWin += trade.RealizedPL
			metrics.LargestWin = math.Max(metrics.LargestWin, trade.RealizedPL)
		} else {
			metrics.LosingTrades++
			totalLoss += trade.RealizedPL
			metrics.LargestLoss = math.Min(metrics.LargestLoss, trade.RealizedPL)
		}
	}

	metrics.WinRate = float64(metrics.WinningTrades) / float64(metrics.TotalTrades) * 100.0

	if metrics.WinningTrades > 0 {
		metrics.AverageWin = totalWin / float64(metrics.WinningTrades)
	}
	if metrics.LosingTrades > 0 {
		metrics.AverageLoss = totalLoss / float64(metrics.LosingTrades)
	}

	if totalLoss != 0 {
		metrics.ProfitFactor = totalWin / math.Abs(totalLoss)
	}

	winProb := float64(metrics.WinningTrades) / float64(metrics.TotalTrades)
	lossProb := float64(metrics.LosingTrades) / float64(metrics.TotalTrades)
	metrics.Expectancy = (winProb * metrics.AverageWin) + (lossProb * metrics.AverageLoss)

	sort.Slice(holdingTimes, func(i, j int) bool { return holdingTimes[i] < holdingTimes[j] })
	var totalTime time.Duration
	for _, t := range holdingTimes {
		totalTime += t
	}
	n := len(holdingTimes)
	metrics.AverageHoldingTime = totalTime / time.Duration(n)
	metrics.MinHoldingTime = holdingTimes[0]
	metrics.MaxHoldingTime = holdingTimes[n-1]
	if n%2 == 1 {
		metrics.MedianHoldingTime = holdingTimes[n/2]
	} else {
		metrics.MedianHoldingTime = (holdingTimes[n/2-1] + holdingTimes[n/2]) / 2
	}
}

func barReturns(curve []*EquityPoint) []float64 {
	returns := make([]float64, 0, len(curve))
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}
	return returns
}

// calculateRiskMetrics calculates volatility and the Sharpe ratio (zero risk-free rate)
func calculateRiskMetrics(metrics *Metrics, curve []*EquityPoint, periods float64) {
	returns := barReturns(curve)
	if len(returns) < 2 {
		return
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sumSquaredDiff float64
	for _, r := range returns {
		diff := r - mean
		sumSquaredDiff += diff * diff
	}
	stdDev := math.Sqrt(sumSquaredDiff / float64(len(returns)-1))

	metrics.Volatility = stdDev * math.Sqrt(periods) * 100.0
	if stdDev > 0 {
		metrics.SharpeRatio = mean / stdDev * math.Sqrt(periods)
	}
}

// calculateSortinoRatio calculates the Sortino ratio (downside deviation)
func calculateSortinoRatio(metrics *Metrics, curve []*EquityPoint, periods float64) {
	returns := barReturns(curve)
	if len(returns) == 0 {
		return
	}

	var sum, sumSquaredNeg float64
	for _, r := range returns {
		sum += r
		if r < 0 {
			sumSquaredNeg += r * r
		}
	}
	if sumSquaredNeg == 0 {
		return // No downside risk
	}
	mean := sum / float64(len(returns))
	downside := math.Sqrt(sumSquaredNeg / float64(len(returns)))
	metrics.SortinoRatio = mean / downside * math.Sqrt(periods)
}

// ============================================================================
// REPORT GENERATION
// ============================================================================

// GenerateReport generates a human-readable performance report
func GenerateReport(metrics *Metrics) string {
	return fmt.Sprintf(`
================================================================================
BACKTEST PERFORMANCE REPORT %s
================================================================================

OVERVIEW
--------
Period:           %s to %s (%.1f days, %d bars)
Initial Capital:  %.2f
Final Equity:     %.2f
Peak Equity:      %.2f
Equity Low:       %.2f

RETURNS
-------
Net Return:       %.2f (%.4f%%)
CAGR:             %.2f%%
Exposure:         %.2f%%

RISK METRICS
------------
Max Drawdown:     %.2f (%.2f%%)
Volatility:       %.2f%%
Sharpe Ratio:     %.2f
Sortino Ratio:    %.2f
Calmar Ratio:     %.2f

TRADE STATISTICS
----------------
Total Trades:     %d (%d long, %d short)
Winning Trades:   %d
Losing Trades:    %d
Win Rate:         %.2f%%

Average Win:      %.2f
Average Loss:     %.2f
Largest Win:      %.2f
Largest Loss:     %.2f

Profit Factor:    %.2f
Expectancy:       %.2f per trade
Commission Paid:  %.2f

HOLDING TIMES
-------------
Average:          %s
Median:           %s
Min:              %s
Max:              %s

================================================================================
`,
		metrics.Symbol,
		metrics.StartDate.Format("2006-01-02 15:04"),
		metrics.EndDate.Format("2006-01-02 15:04"),
		metrics.Duration.Hours()/24,
		metrics.Bars,
		metrics.InitialCapital,
		metrics.FinalEquity,
		metrics.PeakEquity,
		metrics.EquityLow,
		metrics.TotalReturn,
		metrics.TotalReturnPct,
		metrics.CAGR,
		metrics.ExposurePct,
		metrics.MaxDrawdown,
		metrics.MaxDrawdownPct,
		metrics.Volatility,
		metrics.SharpeRatio,
		metrics.SortinoRatio,
		metrics.CalmarRatio,
		metrics.TotalTrades,
		metrics.LongTrades,
		metrics.ShortTrades,
		metrics.WinningTrades,
		metrics.LosingTrades,
		metrics.WinRate,
		metrics.AverageWin,
		metrics.AverageLoss,
		metrics.LargestWin,
		metrics.LargestLoss,
		metrics.ProfitFactor,
		metrics.Expectancy,
		metrics.Commission,
		formatDuration(metrics.AverageHoldingTime),
		formatDuration(metrics.MedianHoldingTime),
		formatDuration(metrics.MinHoldingTime),
		formatDuration(metrics.MaxHoldingTime),
	)
}

// formatDuration formats a duration in a human-readable format
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
