// HTML and CSV report generation for backtest results
package backtest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ============================================================================
// REPORT GENERATOR
// ============================================================================

// ReportGenerator generates HTML reports for simulation results
type ReportGenerator struct {
	title   string
	result  *Result
	metrics *Metrics
	summary *OptimizationSummary // Optional, for optimization reports
}

// NewReportGenerator creates a report for a single simulation
func NewReportGenerator(title string, result *Result) (*ReportGenerator, error) {
	metrics, err := CalculateMetrics(result)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate metrics: %w", err)
	}
	return &ReportGenerator{
		title:   title,
		result:  result,
		metrics: metrics,
	}, nil
}

// NewOptimizationReportGenerator creates a report for the best run of a grid search
func NewOptimizationReportGenerator(title string, summary *OptimizationSummary) (*ReportGenerator, error) {
	if summary == nil || summary.Best == nil {
		return nil, fmt.Errorf("optimization summary has no best run")
	}
	r, err := NewReportGenerator(title, summary.Best)
	if err != nil {
		return nil, err
	}
	r.summary = summary
	return r, nil
}

// Metrics returns the metrics shown in the report
func (r *ReportGenerator) Metrics() *Metrics {
	return r.metrics
}

// GenerateHTML generates a complete HTML report
func (r *ReportGenerator) GenerateHTML() (string, error) {
	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"formatFloat":   formatFloat,
		"formatPrice":   formatPrice,
		"formatPercent": formatPercent,
		"formatTime":    formatTime,
		"mul":           func(a, b float64) float64 { return a * b },
		"last": func(items []*Trade, n int) []*Trade {
			if len(items) <= n {
				return items
			}
			return items[len(items)-n:]
		},
	}).Parse(reportTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, r.prepareTemplateData()); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// SaveToFile saves the HTML report to a file, creating parent directories
func (r *ReportGenerator) SaveToFile(path string) error {
	html, err := r.GenerateHTML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	return os.WriteFile(path, []byte(html), 0o644)
}

type chartSeries struct {
	Labels []string  `json:"labels"`
	Values []float64 `json:"values"`
}

type reportData struct {
	Title           string
	GeneratedAt     time.Time
	Config          BacktestConfig
	Metrics         *Metrics
	Summary         *OptimizationSummary
	HasOptimization bool
	BestParameters  string
	Trades          []*Trade
	Equity          chartSeries
	Drawdown        chartSeries
}

func (r *ReportGenerator) prepareTemplateData() reportData {
	data := reportData{
		Title:       r.title,
		GeneratedAt: time.Now(),
		Config:      r.result.Config,
		Metrics:     r.metrics,
		Trades:      r.result.Trades,
		Equity:      r.equitySeries(),
		Drawdown:    r.drawdownSeries(),
	}
	if r.summary != nil {
		data.Summary = r.summary
		data.HasOptimization = true
		data.BestParameters = r.summary.BestParameters.String()
	}
	return data
}

// ============================================================================
// CHART DATA PREPARATION
// ============================================================================

func (r *ReportGenerator) equitySeries() chartSeries {
	s := chartSeries{
		Labels: make([]string, len(r.result.EquityCurve)),
		Values: make([]float64, len(r.result.EquityCurve)),
	}
	for i, point := range r.result.EquityCurve {
		s.Labels[i] = point.Timestamp.Format("2006-01-02 15:04")
		s.Values[i] = point.Equity
	}
	return s
}

func (r *ReportGenerator) drawdownSeries() chartSeries {
	s := chartSeries{
		Labels: make([]string, len(r.result.EquityCurve)),
		Values: make([]float64, len(r.result.EquityCurve)),
	}
	peak := r.result.InitialCapital
	for i, point := range r.result.EquityCurve {
		s.Labels[i] = point.Timestamp.Format("2006-01-02 15:04")
		if point.Equity > peak {
			peak = point.Equity
		}
		if peak > 0 {
			s.Values[i] = (point.Equity - peak) / peak * 100
		}
	}
	return s
}

// ============================================================================
// SUMMARY CSV
// ============================================================================

// SummaryRow is one line of the per-strategy summary CSV
type SummaryRow struct {
	Strategy   string
	Instrument string
	Timeframe  string
	Parameters string
	Metrics    *Metrics
}

var summaryHeader = []string{
	"Strategy", "Instrument", "Timeframe", "Parameters", "Start", "End", "Bars",
	"Initial Capital", "Final Equity", "Return [%]", "Max Drawdown [%]", "Exposure [%]",
	"Trades", "Win Rate [%]", "Profit Factor", "Sharpe Ratio", "Sortino Ratio", "Commission",
}

func (row SummaryRow) record() []string {
	m := row.Metrics
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	return []string{
		row.Strategy, row.Instrument, row.Timeframe, row.Parameters,
		m.StartDate.Format(time.RFC3339), m.EndDate.Format(time.RFC3339), strconv.Itoa(m.Bars),
		f(m.InitialCapital), f(m.FinalEquity), f(m.TotalReturnPct), f(m.MaxDrawdownPct), f(m.ExposurePct),
		strconv.Itoa(m.TotalTrades), f(m.WinRate), f(m.ProfitFactor), f(m.SharpeRatio), f(m.SortinoRatio), f(m.Commission),
	}
}

// AppendSummaryCSV appends a row to path, writing the header when the file is new or empty
func AppendSummaryCSV(path string, row SummaryRow) error {
	if row.Metrics == nil {
		return fmt.Errorf("summary row for %s has no metrics", row.Strategy)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open summary file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat summary file: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(summaryHeader); err != nil {
			return fmt.Errorf("failed to write summary header: %w", err)
		}
	}
	if err := w.Write(row.record()); err != nil {
		return fmt.Errorf("failed to write summary row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// ============================================================================
// TEMPLATE HELPER FUNCTIONS
// ============================================================================

func formatFloat(f float64) string {
	return fmt.Sprintf("%.2f", f)
}

func formatPrice(f float64) string {
	return fmt.Sprintf("%.5f", f)
}

func formatPercent(f float64) string {
	return fmt.Sprintf("%.2f%%", f)
}

func formatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

// ============================================================================
// HTML TEMPLATE
// ============================================================================

const reportTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{ .Title }}</title>
    <script src="https://cdn.jsdelivr.net/npm/chart.js@4.4.0/dist/chart.umd.min.js"></script>
    <style>
        body { font-family: -apple-system, "Segoe UI", Roboto, Arial, sans-serif; background: #f4f6f8; color: #222; margin: 0; }
        main { max-width: 1280px; margin: 0 auto; padding: 24px; }
        header { background: #1f3b57; color: #fff; padding: 24px; border-radius: 8px; margin-bottom: 24px; }
        header h1 { margin: 0 0 6px 0; font-size: 1.9em; }
        section { background: #fff; padding: 20px; margin-bottom: 20px; border-radius: 6px; box-shadow: 0 1px 3px rgba(0,0,0,0.08); }
        section h2 { margin-top: 0; color: #1f3b57; border-bottom: 1px solid #e6e9ec; padding-bottom: 8px; }
        .cards { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 14px; }
        .card { background: #f7f9fb; border-left: 4px solid #1f3b57; padding: 14px; border-radius: 4px; }
        .card .label { font-size: 0.8em; text-transform: uppercase; color: #667; }
        .card .value { font-size: 1.5em; font-weight: 600; }
        .positive { color: #12805c; }
        .negative { color: #c0392b; }
        .chart { position: relative; height: 360px; }
        table { width: 100%; border-collapse: collapse; font-size: 0.92em; }
        th { background: #1f3b57; color: #fff; text-align: left; padding: 8px; }
        td { padding: 8px; border-bottom: 1px solid #eef0f2; }
        footer { text-align: center; color: #889; padding: 12px; font-size: 0.85em; }
    </style>
</head>
<body>
<main>
    <header>
        <h1>{{ .Title }}</h1>
        <div>{{ .Metrics.Symbol }} · {{ formatTime .Metrics.StartDate }} to {{ formatTime .Metrics.EndDate }} · generated {{ formatTime .GeneratedAt }}</div>
    </header>

    <section>
        <h2>Performance</h2>
        <div class="cards">
            <div class="card"><div class="label">Net Return</div>
                <div class="value {{ if ge .Metrics.TotalReturnPct 0.0 }}positive{{ else }}negative{{ end }}">{{ formatPercent .Metrics.TotalReturnPct }}</div></div>
            <div class="card"><div class="label">Final Equity</div><div class="value">{{ formatFloat .Metrics.FinalEquity }}</div></div>
            <div class="card"><div class="label">Max Drawdown</div><div class="value negative">{{ formatPercent .Metrics.MaxDrawdownPct }}</div></div>
            <div class="card"><div class="label">Exposure</div><div class="value">{{ formatPercent .Metrics.ExposurePct }}</div></div>
            <div class="card"><div class="label">Trades</div><div class="value">{{ .Metrics.TotalTrades }}</div></div>
            <div class="card"><div class="label">Win Rate</div><div class="value">{{ formatPercent .Metrics.WinRate }}</div></div>
            <div class="card"><div class="label">Profit Factor</div><div class="value">{{ formatFloat .Metrics.ProfitFactor }}</div></div>
            <div class="card"><div class="label">Sharpe Ratio</div><div class="value">{{ formatFloat .Metrics.SharpeRatio }}</div></div>
        </div>
    </section>

    <section>
        <h2>Equity</h2>
        <div class="chart"><canvas id="equityChart"></canvas></div>
    </section>

    <section>
        <h2>Drawdown</h2>
        <div class="chart"><canvas id="drawdownChart"></canvas></div>
    </section>

    <section>
        <h2>Configuration</h2>
        <div class="cards">
            <div class="card"><div class="label">Initial Capital</div><div class="value">{{ formatFloat .Config.InitialCapital }}</div></div>
            <div class="card"><div class="label">Commission</div><div class="value">{{ formatPercent (mul .Config.CommissionRate 100) }}</div></div>
            <div class="card"><div class="label">Fills</div><div class="value">{{ .Config.Execution }}</div></div>
        </div>
    </section>

    {{ if .HasOptimization }}
    <section>
        <h2>Optimization</h2>
        <p><strong>Best parameters:</strong> {{ .BestParameters }}</p>
        <p><strong>Evaluated:</strong> {{ .Summary.TotalRuns }} points ({{ .Summary.Failed }} failed) in {{ .Summary.Duration }}</p>
        <table>
            <thead><tr><th>Rank</th><th>Parameters</th><th>Return</th><th>Final Equity</th><th>Trades</th></tr></thead>
            <tbody>
            {{ range .Summary.TopResults }}
                <tr>
                    <td>{{ .Rank }}</td>
                    <td>{{ .Parameters.String }}</td>
                    <td class="{{ if ge .Score 0.0 }}positive{{ else }}negative{{ end }}">{{ formatPercent (mul .Score 100) }}</td>
                    <td>{{ formatFloat .FinalEquity }}</td>
                    <td>{{ .TotalTrades }}</td>
                </tr>
            {{ end }}
            </tbody>
        </table>
    </section>
    {{ end }}

    <section>
        <h2>Trades (last 50)</h2>
        <table>
            <thead><tr><th>#</th><th>Side</th><th>Entry</th><th>Exit</th><th>Entry Price</th><th>Exit Price</th><th>Quantity</th><th>P&amp;L</th><th>Return</th></tr></thead>
            <tbody>
            {{ range last .Trades 50 }}
                <tr>
                    <td>{{ .ID }}</td>
                    <td>{{ .Side }}{{ if .ForcedExit }} (closed at end){{ end }}</td>
                    <td>{{ formatTime .EntryTime }}</td>
                    <td>{{ formatTime .ExitTime }}</td>
                    <td>{{ formatPrice .EntryPrice }}</td>
                    <td>{{ formatPrice .ExitPrice }}</td>
                    <td>{{ formatFloat .Quantity }}</td>
                    <td class="{{ if ge .RealizedPL 0.0 }}positive{{ else }}negative{{ end }}">{{ formatFloat .RealizedPL }}</td>
                    <td class="{{ if ge .ReturnPct 0.0 }}positive{{ else }}negative{{ end }}">{{ formatPercent .ReturnPct }}</td>
                </tr>
            {{ end }}
            </tbody>
        </table>
    </section>

    <footer>fxbacktester</footer>
</main>

<script>
    const equity = {{ .Equity }};
    const drawdown = {{ .Drawdown }};

    new Chart(document.getElementById('equityChart'), {
        type: 'line',
        data: { labels: equity.labels, datasets: [{ label: 'Equity', data: equity.values, borderColor: '#1f3b57', pointRadius: 0, borderWidth: 1.5 }] },
        options: { responsive: true, maintainAspectRatio: false }
    });

    new Chart(document.getElementById('drawdownChart'), {
        type: 'line',
        data: { labels: drawdown.labels, datasets: [{ label: 'Drawdown (%)', data: drawdown.values, borderColor: '#c0392b', backgroundColor: 'rgba(192,57,43,0.1)', fill: true, pointRadius: 0 }] },
        options: { responsive: true, maintainAspectRatio: false }
    });
</script>
</body>
</html>
`
