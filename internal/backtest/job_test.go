package backtest

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	btengine "github.com/fxlab/fxbacktester/pkg/backtest"
)

func testJob() Job {
	return Job{Strategy: "momentum", Instrument: "EUR/USD", Timeframe: "1y"}
}

func stubSummary() *btengine.OptimizationSummary {
	return &btengine.OptimizationSummary{
		BestParameters: btengine.NewParameterSet(
			btengine.Param{Name: "window", Value: 7, Integer: true},
			btengine.Param{Name: "threshold", Value: 0.02},
		),
		BestScore: 0.034,
		TotalRuns: 17,
		Failed:    1,
		Duration:  1500 * time.Millisecond,
	}
}

func waitForStatus(t *testing.T, m *JobManager, id uuid.UUID, want JobStatus) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		var err error
		job, err = m.Get(id)
		return err == nil && job.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestJobStatusTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobStatusPending, false},
		{JobStatusRunning, false},
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
		{JobStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestSubmitValidatesJob(t *testing.T) {
	m := NewJobManager(func(context.Context, Job) (*btengine.OptimizationSummary, string, error) {
		return stubSummary(), "", nil
	}, 1)
	defer m.Close()

	for name, job := range map[string]Job{
		"no strategy":       {Instrument: "EUR/USD", Timeframe: "1y"},
		"no instrument":     {Strategy: "momentum", Timeframe: "1y"},
		"no timeframe":      {Strategy: "momentum", Instrument: "EUR/USD"},
		"negative parallel": {Strategy: "momentum", Instrument: "EUR/USD", Timeframe: "1y", Parallel: -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := m.Submit(job)
			assert.Error(t, err)
		})
	}
	assert.Empty(t, m.List("", 0))
}

func TestJobCompletes(t *testing.T) {
	m := NewJobManager(func(_ context.Context, job Job) (*btengine.OptimizationSummary, string, error) {
		assert.Equal(t, "momentum", job.Strategy)
		return stubSummary(), "run-1", nil
	}, 2)
	defer m.Close()

	submitted, err := m.Submit(testJob())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, submitted.ID)
	assert.Equal(t, JobStatusPending, submitted.Status)

	job := waitForStatus(t, m, submitted.ID, JobStatusCompleted)
	require.NotNil(t, job.Result)
	assert.Equal(t, "window=7, threshold=0.02", job.Result.Label)
	assert.Equal(t, 7.0, job.Result.Parameters["window"])
	assert.Equal(t, 0.034, job.Result.NetReturn)
	assert.Equal(t, 17, job.Result.GridPoints)
	assert.Equal(t, 1, job.Result.FailedPoints)
	assert.Equal(t, int64(1500), job.Result.DurationMs)
	assert.Equal(t, "run-1", job.Result.RunID)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.ErrorMessage)

	assert.ErrorIs(t, m.Cancel(submitted.ID), ErrJobFinished)
}

func TestJobFailure(t *testing.T) {
	m := NewJobManager(func(context.Context, Job) (*btengine.OptimizationSummary, string, error) {
		return nil, "", errors.New("no data")
	}, 1)
	defer m.Close()

	submitted, err := m.Submit(testJob())
	require.NoError(t, err)

	job := waitForStatus(t, m, submitted.ID, JobStatusFailed)
	assert.Equal(t, "no data", job.ErrorMessage)
	assert.Nil(t, job.Result)
}

func TestCancelRunningAndQueuedJobs(t *testing.T) {
	started := make(chan struct{}, 2)
	m := NewJobManager(func(ctx context.Context, _ Job) (*btengine.OptimizationSummary, string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, "", ctx.Err()
	}, 1)
	defer m.Close()

	running, err := m.Submit(testJob())
	require.NoError(t, err)
	<-started
	waitForStatus(t, m, running.ID, JobStatusRunning)

	// Only one slot, so the second job waits
	queued, err := m.Submit(testJob())
	require.NoError(t, err)
	job, err := m.Get(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)

	require.NoError(t, m.Cancel(queued.ID))
	job = waitForStatus(t, m, queued.ID, JobStatusCancelled)
	assert.Nil(t, job.StartedAt)

	require.NoError(t, m.Cancel(running.ID))
	waitForStatus(t, m, running.ID, JobStatusCancelled)

	assert.ErrorIs(t, m.Cancel(uuid.New()), ErrJobNotFound)
}

func TestConcurrencyLimit(t *testing.T) {
	var active, peak atomic.Int32
	release := make(chan struct{})
	m := NewJobManager(func(context.Context, Job) (*btengine.OptimizationSummary, string, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return stubSummary(), "", nil
	}, 2)
	defer m.Close()

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		job, err := m.Submit(testJob())
		require.NoError(t, err)
		ids[i] = job.ID
	}

	require.Eventually(t, func() bool { return active.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, m.List(JobStatusRunning, 0), 2)
	assert.Len(t, m.List(JobStatusPending, 0), 3)
	close(release)

	for _, id := range ids {
		waitForStatus(t, m, id, JobStatusCompleted)
	}
	assert.Equal(t, int32(2), peak.Load())
	assert.Len(t, m.List("", 3), 3)
}

func TestCloseCancelsAndRejects(t *testing.T) {
	m := NewJobManager(func(ctx context.Context, _ Job) (*btengine.OptimizationSummary, string, error) {
		<-ctx.Done()
		return nil, "", ctx.Err()
	}, 1)

	job, err := m.Submit(testJob())
	require.NoError(t, err)
	m.Close()

	got, err := m.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, got.Status)

	_, err = m.Submit(testJob())
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestResultFromSummaryHandlesMissingBestRun(t *testing.T) {
	assert.Nil(t, ResultFromSummary(nil))

	summary := stubSummary()
	summary.BestScore = math.Inf(1)
	result := ResultFromSummary(summary)
	require.NotNil(t, result)
	assert.Zero(t, result.NetReturn)
	assert.Zero(t, result.TotalTrades)
}
