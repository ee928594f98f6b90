// Package backtest runs optimizations as background jobs with a bounded number running
// at once.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	btengine "github.com/fxlab/fxbacktester/pkg/backtest"
)

var (
	// ErrJobNotFound is returned for unknown job IDs
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinished is returned when cancelling a job that already ended
	ErrJobFinished = errors.New("job already finished")

	// ErrManagerClosed is returned when submitting to a closed manager
	ErrManagerClosed = errors.New("job manager closed")
)

// JobStatus represents the status of an optimization job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is one queued optimization and, once done, its outcome
type Job struct {
	ID           uuid.UUID  `json:"id"`
	Strategy     string     `json:"strategy"`
	Instrument   string     `json:"instrument"`
	Timeframe    string     `json:"timeframe"`
	Parallel     int        `json:"parallel,omitempty"`
	Status       JobStatus  `json:"status"`
	Result       *JobResult `json:"result,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// JobResult summarises the best grid point of a finished job
type JobResult struct {
	Parameters     map[string]float64 `json:"parameters"`
	Label          string             `json:"label"`
	NetReturn      float64            `json:"net_return"`
	GridPoints     int                `json:"grid_points"`
	FailedPoints   int                `json:"failed_points"`
	DurationMs     int64              `json:"duration_ms"`
	FinalEquity    float64            `json:"final_equity"`
	TotalReturnPct float64            `json:"total_return_pct"`
	MaxDrawdownPct float64            `json:"max_drawdown_pct"`
	SharpeRatio    float64            `json:"sharpe_ratio"`
	WinRate        float64            `json:"win_rate"`
	ProfitFactor   float64            `json:"profit_factor"`
	TotalTrades    int                `json:"total_trades"`
	RunID          string             `json:"run_id,omitempty"`
}

// RunFunc executes a job and returns the optimization summary and, when the run was
// stored, its ID
type RunFunc func(ctx context.Context, job Job) (*btengine.OptimizationSummary, string, error)

type jobEntry struct {
	job    *Job
	cancel context.CancelFunc
}

// JobManager keeps jobs in memory and runs at most maxConcurrent of them at a time
type JobManager struct {
	run    RunFunc
	sem    *semaphore.Weighted
	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	jobs   map[uuid.UUID]*jobEntry
	closed bool
}

// NewJobManager creates a job manager; maxConcurrent below 1 is treated as 1
func NewJobManager(run RunFunc, maxConcurrent int) *JobManager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	return &JobManager{
		run:  run,
		sem:  semaphore.NewWeighted(int64(maxConcurrent)),
		ctx:  ctx,
		stop: stop,
		jobs: make(map[uuid.UUID]*jobEntry),
	}
}

// Submit queues a job and returns a snapshot of it in the pending state
func (m *JobManager) Submit(job Job) (*Job, error) {
	if err := validateJob(job); err != nil {
		return nil, fmt.Errorf("invalid job configuration: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	now := time.Now()
	job.ID = uuid.New()
	job.Status = JobStatusPending
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Result, job.ErrorMessage, job.StartedAt, job.CompletedAt = nil, "", nil, nil

	ctx, cancel := context.WithCancel(m.ctx)
	entry := &jobEntry{job: &job, cancel: cancel}
	m.jobs[job.ID] = entry

	m.wg.Add(1)
	go m.execute(ctx, entry)

	log.Info().
		Str("job_id", job.ID.String()).
		Str("strategy", job.Strategy).
		Str("instrument", job.Instrument).
		Str("timeframe", job.Timeframe).
		Msg("Optimization job queued")

	snapshot := job
	return &snapshot, nil
}

func validateJob(job Job) error {
	if job.Strategy == "" {
		return fmt.Errorf("strategy is required")
	}
	if job.Instrument == "" {
		return fmt.Errorf("instrument is required")
	}
	if job.Timeframe == "" {
		return fmt.Errorf("timeframe is required")
	}
	if job.Parallel < 0 {
		return fmt.Errorf("parallel cannot be negative")
	}
	return nil
}

func (m *JobManager) execute(ctx context.Context, entry *jobEntry) {
	defer m.wg.Done()
	defer entry.cancel()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(entry, nil, "", err)
		return
	}
	defer m.sem.Release(1)

	m.mu.Lock()
	now := time.Now()
	entry.job.Status = JobStatusRunning
	entry.job.StartedAt = &now
	entry.job.UpdatedAt = now
	job := *entry.job
	m.mu.Unlock()

	summary, runID, err := m.run(ctx, job)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	m.finish(entry, summary, runID, err)
}

func (m *JobManager) finish(entry *jobEntry, summary *btengine.OptimizationSummary, runID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	job := entry.job
	job.CompletedAt = &now
	job.UpdatedAt = now

	switch {
	case errors.Is(err, context.Canceled):
		job.Status = JobStatusCancelled
		job.ErrorMessage = "cancelled"
	case err != nil:
		job.Status = JobStatusFailed
		job.ErrorMessage = err.Error()
	default:
		job.Status = JobStatusCompleted
		job.Result = ResultFromSummary(summary)
		if job.Result != nil {
			job.Result.RunID = runID
		}
	}

	event := log.Info()
	if job.Status == JobStatusFailed {
		event = log.Warn().Str("error", job.ErrorMessage)
	}
	event.
		Str("job_id", job.ID.String()).
		Str("status", string(job.Status)).
		Msg("Optimization job finished")
}

// Get returns a snapshot of a job
func (m *JobManager) Get(id uuid.UUID) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	snapshot := *entry.job
	return &snapshot, nil
}

// List returns snapshots, newest first, optionally filtered by status
func (m *JobManager) List(status JobStatus, limit int) []*Job {
	m.mu.RLock()
	out := make([]*Job, 0, len(m.jobs))
	for _, entry := range m.jobs {
		if status != "" && entry.job.Status != status {
			continue
		}
		snapshot := *entry.job
		out = append(out, &snapshot)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Cancel stops a pending or running job
func (m *JobManager) Cancel(id uuid.UUID) error {
	m.mu.RLock()
	entry, ok := m.jobs[id]
	var status JobStatus
	if ok {
		status = entry.job.Status
	}
	m.mu.RUnlock()

	if !ok {
		return ErrJobNotFound
	}
	if status.Terminal() {
		return ErrJobFinished
	}
	entry.cancel()
	return nil
}

// Close cancels every unfinished job and waits for them to stop
func (m *JobManager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.stop()
	m.wg.Wait()
}

// ResultFromSummary flattens the best run of a grid search. Non-finite ratios, such as
// the profit factor of a run without losses, are reported as zero.
func ResultFromSummary(summary *btengine.OptimizationSummary) *JobResult {
	if summary == nil {
		return nil
	}
	result := &JobResult{
		Parameters:   summary.BestParameters.Map(),
		Label:        summary.BestParameters.String(),
		NetReturn:    finite(summary.BestScore),
		GridPoints:   summary.TotalRuns,
		FailedPoints: summary.Failed,
		DurationMs:   summary.Duration.Milliseconds(),
	}
	if summary.Best == nil {
		return result
	}

	result.FinalEquity = summary.Best.FinalEquity
	result.TotalTrades = len(summary.Best.Trades)
	if metrics, err := btengine.CalculateMetrics(summary.Best); err == nil {
		result.TotalReturnPct = finite(metrics.TotalReturnPct)
		result.MaxDrawdownPct = finite(metrics.MaxDrawdownPct)
		result.SharpeRatio = finite(metrics.SharpeRatio)
		result.WinRate = finite(metrics.WinRate)
		result.ProfitFactor = finite(metrics.ProfitFactor)
	}
	return result
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
