package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fxlab/fxbacktester/internal/db"
	"github.com/fxlab/fxbacktester/internal/market"
	"github.com/fxlab/fxbacktester/internal/metrics"
	"github.com/fxlab/fxbacktester/pkg/backtest"
	"github.com/fxlab/fxbacktester/pkg/strategy"
)

// runSaver stores finished optimizations
type runSaver interface {
	SaveRun(ctx context.Context, run *db.RunRecord) error
}

// Runner optimizes one selection and writes its report, summary row and stored run
type Runner struct {
	source     market.Source
	options    strategy.Options
	reportsDir string
	metricsDir string
	runs       runSaver // optional
	out        io.Writer
}

// ReportPath is outputs/{code}/{pair}_{period}{m?}_results.html
func (r *Runner) ReportPath(sel Selection) string {
	name := fmt.Sprintf("%s_%s_results.html", sel.Instrument.FileStem(), sel.Timeframe.FileKey())
	return filepath.Join(r.reportsDir, sel.Variant.Code, name)
}

// SummaryPath is metrics/{code}_metrics.csv
func (r *Runner) SummaryPath(sel Selection) string {
	return filepath.Join(r.metricsDir, sel.Variant.Code+"_metrics.csv")
}

// Run optimizes the selection unless its report already exists. It reports whether the
// run was skipped.
func (r *Runner) Run(ctx context.Context, sel Selection) (bool, error) {
	reportPath, summaryPath := r.ReportPath(sel), r.SummaryPath(sel)
	if _, err := os.Stat(reportPath); err == nil {
		fmt.Fprintln(r.out, "Outputs already exist")
		fmt.Fprintln(r.out, reportPath)
		fmt.Fprintln(r.out, summaryPath)
		return true, nil
	}

	def, err := strategy.Lookup(sel.Variant.StrategyID)
	if err != nil {
		return false, err
	}

	candles, err := r.source.Fetch(ctx, sel.Instrument, sel.Timeframe)
	if err != nil {
		return false, fmt.Errorf("loading %s %s: %w", sel.Instrument.Pair, sel.Timeframe.Name, err)
	}

	opts := r.options
	opts.Observer = metrics.NewSearchObserver(def.ID, sel.Instrument.Pair, sel.Timeframe.Name)

	start := time.Now()
	summary, err := strategy.Optimize(ctx, def, sel.Timeframe, candles, opts)
	if err != nil {
		metrics.RecordOptimization(def.ID, time.Since(start), err)
		return false, err
	}

	title := fmt.Sprintf("%s - %s %s", def.Name, sel.Instrument.Pair, sel.Timeframe.Name)
	report, err := backtest.NewOptimizationReportGenerator(title, summary)
	if err != nil {
		return false, err
	}

	fmt.Fprintf(r.out, "Best parameters: %s\n", summary.BestParameters)
	fmt.Fprintf(r.out, "Net return: %.6f over %d grid points (%d failed)\n", summary.BestScore, summary.TotalRuns, summary.Failed)
	fmt.Fprintln(r.out, backtest.GenerateReport(report.Metrics()))

	row := backtest.SummaryRow{
		Strategy:   sel.Variant.Code,
		Instrument: sel.Instrument.Pair,
		Timeframe:  sel.Timeframe.Name,
		Parameters: summary.BestParameters.String(),
		Metrics:    report.Metrics(),
	}
	if err := backtest.AppendSummaryCSV(summaryPath, row); err != nil {
		return false, err
	}
	if err := report.SaveToFile(reportPath); err != nil {
		return false, err
	}

	if r.runs != nil {
		rec := db.NewRunRecord(def.ID, sel.Instrument.Pair, sel.Timeframe.Name, summary)
		if err := r.runs.SaveRun(ctx, rec); err != nil {
			log.Warn().Err(err).Str("strategy", def.ID).Msg("Failed to store optimization run")
		}
	}

	log.Info().
		Str("report", reportPath).
		Str("summary", summaryPath).
		Dur("elapsed", time.Since(start)).
		Msg("Backtest outputs written")
	return false, nil
}
