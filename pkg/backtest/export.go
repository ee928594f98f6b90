package backtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is the version written into exported run documents
const SchemaVersion = "1.1.0"

// ExportFormat specifies the output format for run export
type ExportFormat string

const (
	FormatYAML ExportFormat = "yaml"
	FormatJSON ExportFormat = "json"
)

// RankedPoint is a grid point with its score, as stored in run documents
type RankedPoint struct {
	Rank        int     `json:"rank" yaml:"rank"`
	Parameters  []Param `json:"parameters" yaml:"parameters"`
	Score       float64 `json:"score" yaml:"score"`
	FinalEquity float64 `json:"final_equity" yaml:"final_equity"`
	TotalTrades int     `json:"total_trades" yaml:"total_trades"`
}

// RunDocument is the portable record of one optimization
type RunDocument struct {
	SchemaVersion  string         `json:"schema_version" yaml:"schema_version"`
	ExportedAt     time.Time      `json:"exported_at" yaml:"exported_at"`
	Strategy       string         `json:"strategy" yaml:"strategy"`
	Instrument     string         `json:"instrument" yaml:"instrument"`
	Timeframe      string         `json:"timeframe" yaml:"timeframe"`
	Config         BacktestConfig `json:"config" yaml:"config"`
	BestParameters []Param        `json:"best_parameters" yaml:"best_parameters"`
	BestScore      float64        `json:"best_score" yaml:"best_score"`
	TotalRuns      int            `json:"total_runs" yaml:"total_runs"`
	Failed         int            `json:"failed" yaml:"failed"`
	Duration       time.Duration  `json:"duration" yaml:"duration"`
	Metrics        *Metrics       `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Trades         []*Trade       `json:"trades" yaml:"trades"`
	TopResults     []RankedPoint  `json:"top_results" yaml:"top_results"`
}

// NewRunDocument flattens an optimization summary for export
func NewRunDocument(strategy, instrument, timeframe string, summary *OptimizationSummary) (*RunDocument, error) {
	if summary == nil || summary.Best == nil {
		return nil, fmt.Errorf("optimization summary has no best run")
	}
	metrics, err := CalculateMetrics(summary.Best)
	if err != nil {
		return nil, err
	}

	doc := &RunDocument{
		SchemaVersion:  SchemaVersion,
		ExportedAt:     time.Now().UTC(),
		Strategy:       strategy,
		Instrument:     instrument,
		Timeframe:      timeframe,
		Config:         summary.Best.Config,
		BestParameters: summary.BestParameters.Params(),
		BestScore:      summary.BestScore,
		TotalRuns:      summary.TotalRuns,
		Failed:         summary.Failed,
		Duration:       summary.Duration,
		Metrics:        metrics,
		Trades:         summary.Best.Trades,
		TopResults:     make([]RankedPoint, 0, len(summary.TopResults)),
	}
	for _, r := range summary.TopResults {
		doc.TopResults = append(doc.TopResults, RankedPoint{
			Rank:        r.Rank,
			Parameters:  r.Parameters.Params(),
			Score:       r.Score,
			FinalEquity: r.FinalEquity,
			TotalTrades: r.TotalTrades,
		})
	}
	return doc, nil
}

// Parameters rebuilds the best parameter set
func (d *RunDocument) Parameters() ParameterSet {
	return NewParameterSet(d.BestParameters...)
}

// ExportResult writes doc to w
func ExportResult(w io.Writer, doc *RunDocument, format ExportFormat) error {
	if doc == nil {
		return fmt.Errorf("run document cannot be nil")
	}
	if doc.SchemaVersion == "" {
		doc.SchemaVersion = SchemaVersion
	}

	switch format {
	case FormatYAML, "":
		var buf bytes.Buffer
		buf.WriteString(fmt.Sprintf("# fxbacktester run %s %s %s\n", doc.Strategy, doc.Instrument, doc.Timeframe))
		encoder := yaml.NewEncoder(&buf)
		encoder.SetIndent(2)
		if err := encoder.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode run to YAML: %w", err)
		}
		if err := encoder.Close(); err != nil {
			return fmt.Errorf("failed to close YAML encoder: %w", err)
		}
		_, err := w.Write(buf.Bytes())
		return err
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode run to JSON: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
}

// ImportResult reads a run document and checks its schema version
func ImportResult(r io.Reader, format ExportFormat) (*RunDocument, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read run document: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty run document")
	}

	var doc RunDocument
	switch format {
	case FormatYAML, "":
		err = yaml.Unmarshal(data, &doc)
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("unsupported import format: %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse run document: %w", err)
	}

	if err := CheckCompatibility(doc.SchemaVersion); err != nil {
		return nil, err
	}
	return &doc, nil
}

// CheckCompatibility accepts documents from the same major version that are not newer
// than SchemaVersion
func CheckCompatibility(version string) error {
	if version == "" {
		return fmt.Errorf("missing schema version")
	}

	current, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid schema version: %s", version)
	}
	target := semver.MustParse(SchemaVersion)

	if current.GreaterThan(target) {
		return fmt.Errorf("run document requires schema version %s, but only %s is supported", version, SchemaVersion)
	}
	if current.Major() != target.Major() {
		return fmt.Errorf("no migration path from version %s to %s", version, SchemaVersion)
	}
	return nil
}
