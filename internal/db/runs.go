package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/fxlab/fxbacktester/pkg/backtest"
)

// ErrRunNotFound is returned when no stored run matches a query
var ErrRunNotFound = errors.New("optimization run not found")

// Pool is the subset of pgxpool.Pool the repository needs; pgxmock satisfies it in tests
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS optimization_runs (
    id UUID PRIMARY KEY,
    strategy TEXT NOT NULL,
    instrument TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    parameters JSONB NOT NULL,
    net_return DOUBLE PRECISION NOT NULL,
    final_equity DOUBLE PRECISION NOT NULL,
    total_trades INTEGER NOT NULL,
    max_drawdown DOUBLE PRECISION NOT NULL DEFAULT 0,
    sharpe_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
    grid_points INTEGER NOT NULL DEFAULT 0,
    failed_points INTEGER NOT NULL DEFAULT 0,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_optimization_runs_target
    ON optimization_runs (strategy, instrument, timeframe, created_at DESC);
`

const runColumns = `id, strategy, instrument, timeframe, parameters, net_return, final_equity,
	total_trades, max_drawdown, sharpe_ratio, grid_points, failed_points, duration_ms, created_at`

// RunRecord is one stored grid search outcome
type RunRecord struct {
	ID          uuid.UUID          `json:"id"`
	Strategy    string             `json:"strategy"`
	Instrument  string             `json:"instrument"`
	Timeframe   string             `json:"timeframe"`
	Parameters  map[string]float64 `json:"parameters"`
	NetReturn   float64            `json:"net_return"`
	FinalEquity float64            `json:"final_equity"`
	TotalTrades int                `json:"total_trades"`
	MaxDrawdown float64            `json:"max_drawdown"`
	SharpeRatio float64            `json:"sharpe_ratio"`
	GridPoints  int                `json:"grid_points"`
	Failed      int                `json:"failed_points"`
	Duration    time.Duration      `json:"duration"`
	CreatedAt   time.Time          `json:"created_at"`
}

// NewRunRecord flattens an optimization summary for storage
func NewRunRecord(strategy, instrument, timeframe string, summary *backtest.OptimizationSummary) *RunRecord {
	rec := &RunRecord{
		Strategy:   strategy,
		Instrument: instrument,
		Timeframe:  timeframe,
		Parameters: summary.BestParameters.Map(),
		NetReturn:  summary.BestScore,
		GridPoints: summary.TotalRuns,
		Failed:     summary.Failed,
		Duration:   summary.Duration,
	}
	if summary.Best != nil {
		rec.FinalEquity = summary.Best.FinalEquity
		rec.TotalTrades = len(summary.Best.Trades)
		rec.MaxDrawdown = summary.Best.MaxDrawdownPct
		if m, err := backtest.CalculateMetrics(summary.Best); err == nil {
			rec.SharpeRatio = m.SharpeRatio
		}
	}
	return rec
}

// RunRepository stores optimization runs
type RunRepository struct {
	pool Pool
}

// NewRunRepository creates a repository on pool
func NewRunRepository(pool Pool) *RunRepository {
	return &RunRepository{pool: pool}
}

// EnsureSchema creates the runs table and its index when missing
func (r *RunRepository) EnsureSchema(ctx context.Context) error {
	if r.pool == nil {
		return fmt.Errorf("database connection not available")
	}
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create optimization_runs: %w", err)
	}
	return nil
}

// SaveRun inserts a run, assigning its ID and creation time when unset
func (r *RunRepository) SaveRun(ctx context.Context, run *RunRecord) error {
	if r.pool == nil {
		return fmt.Errorf("database connection not available")
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	params, err := json.Marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}

	query := `
		INSERT INTO optimization_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID.String(),
		run.Strategy,
		run.Instrument,
		run.Timeframe,
		params,
		run.NetReturn,
		run.FinalEquity,
		run.TotalTrades,
		run.MaxDrawdown,
		run.SharpeRatio,
		run.GridPoints,
		run.Failed,
		run.Duration.Milliseconds(),
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save optimization run: %w", err)
	}

	log.Debug().
		Str("run_id", run.ID.String()).
		Str("strategy", run.Strategy).
		Str("instrument", run.Instrument).
		Float64("net_return", run.NetReturn).
		Msg("Optimization run saved")
	return nil
}

// ListRuns returns the most recent runs, newest first. An empty strategy lists all.
func (r *RunRepository) ListRuns(ctx context.Context, strategy string, limit int) ([]*RunRecord, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("database connection not available")
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + runColumns + `
		FROM optimization_runs
		WHERE ($1 = '' OR strategy = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, strategy, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list optimization runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return runs, nil
}

// BestRun returns the highest-return stored run for a strategy, instrument and timeframe
func (r *RunRepository) BestRun(ctx context.Context, strategy, instrument, timeframe string) (*RunRecord, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("database connection not available")
	}

	query := `
		SELECT ` + runColumns + `
		FROM optimization_runs
		WHERE strategy = $1 AND instrument = $2 AND timeframe = $3
		ORDER BY net_return DESC, created_at ASC
		LIMIT 1
	`
	run, err := scanRun(r.pool.QueryRow(ctx, query, strategy, instrument, timeframe))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %s %s: %w", strategy, instrument, timeframe, ErrRunNotFound)
	}
	return run, err
}

func scanRun(row pgx.Row) (*RunRecord, error) {
	var (
		run        RunRecord
		id         string
		params     []byte
		durationMs int64
	)
	err := row.Scan(
		&id,
		&run.Strategy,
		&run.Instrument,
		&run.Timeframe,
		&params,
		&run.NetReturn,
		&run.FinalEquity,
		&run.TotalTrades,
		&run.MaxDrawdown,
		&run.SharpeRatio,
		&run.GridPoints,
		&run.Failed,
		&durationMs,
		&run.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan optimization run: %w", err)
	}
	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("bad run id %q: %w", id, err)
	}
	if err := json.Unmarshal(params, &run.Parameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
	}
	run.Duration = time.Duration(durationMs) * time.Millisecond
	return &run, nil
}
