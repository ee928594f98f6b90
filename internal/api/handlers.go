package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	jobqueue "github.com/fxlab/fxbacktester/internal/backtest"
	"github.com/fxlab/fxbacktester/internal/db"
	"github.com/fxlab/fxbacktester/internal/market"
	"github.com/fxlab/fxbacktester/internal/metrics"
	"github.com/fxlab/fxbacktester/pkg/backtest"
	"github.com/fxlab/fxbacktester/pkg/strategy"
)

var errNoSource = errors.New("no market data source configured")

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	maxParallel     = 64
)

// OptimizeRequest selects one strategy, instrument and timeframe to optimize
type OptimizeRequest struct {
	Strategy   string `json:"strategy" binding:"required"`
	Instrument string `json:"instrument" binding:"required"`
	Timeframe  string `json:"timeframe" binding:"required"`
	Parallel   int    `json:"parallel"`
}

// OptimizeResponse is the best grid point of an optimization
type OptimizeResponse struct {
	RunID       string             `json:"run_id,omitempty"`
	Strategy    string             `json:"strategy"`
	Instrument  string             `json:"instrument"`
	Timeframe   string             `json:"timeframe"`
	Parameters  map[string]float64 `json:"parameters"`
	Label       string             `json:"label"`
	NetReturn   float64            `json:"net_return"`
	FinalEquity float64            `json:"final_equity"`
	TotalTrades int                `json:"total_trades"`
	GridPoints  int                `json:"grid_points"`
	Failed      int                `json:"failed"`
	DurationMs  int64              `json:"duration_ms"`
}

// ============================================================================
// CATALOGUE
// ============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": s.version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"runs":    s.runs != nil,
	})
}

func (s *Server) handleListStrategies(c *gin.Context) {
	defs := strategy.All()
	c.JSON(http.StatusOK, gin.H{"strategies": defs, "count": len(defs)})
}

func (s *Server) handleListTimeframes(c *gin.Context) {
	tfs := strategy.Timeframes()
	c.JSON(http.StatusOK, gin.H{"timeframes": tfs, "count": len(tfs)})
}

func (s *Server) handleListInstruments(c *gin.Context) {
	ins := strategy.Instruments()
	c.JSON(http.StatusOK, gin.H{"instruments": ins, "count": len(ins)})
}

// ============================================================================
// OPTIMIZATION
// ============================================================================

// target is a resolved strategy, instrument and timeframe
type target struct {
	def strategy.Definition
	in  strategy.Instrument
	tf  strategy.Timeframe
}

func resolveTarget(strategyID, instrument, timeframe string) (target, error) {
	def, err := strategy.Lookup(strategyID)
	if err != nil {
		return target{}, err
	}
	in, err := strategy.LookupInstrument(instrument)
	if err != nil {
		return target{}, err
	}
	tf, err := strategy.LookupTimeframe(timeframe)
	if err != nil {
		return target{}, err
	}
	return target{def: def, in: in, tf: tf}, nil
}

// sourceError marks failures to load the candle series
type sourceError struct {
	err error
}

func (e *sourceError) Error() string { return e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }

// optimize loads the series, runs the grid search and stores the run when a store is
// configured. The returned run ID is empty when nothing was stored.
func (s *Server) optimize(ctx context.Context, t target, parallel int) (*backtest.OptimizationSummary, string, error) {
	if s.source == nil {
		return nil, "", &sourceError{err: errNoSource}
	}

	candles, err := s.source.Fetch(ctx, t.in, t.tf)
	if err != nil {
		log.Warn().Err(err).Str("pair", t.in.Pair).Str("timeframe", t.tf.Name).Msg("Failed to load series for optimization")
		return nil, "", &sourceError{err: err}
	}

	opts := s.options
	if parallel > 0 {
		opts.Parallel = min(parallel, maxParallel)
	}
	opts.Observer = metrics.NewSearchObserver(t.def.ID, t.in.Pair, t.tf.Name)

	start := time.Now()
	summary, err := strategy.Optimize(ctx, t.def, t.tf, candles, opts)
	if err != nil {
		metrics.RecordOptimization(t.def.ID, time.Since(start), err)
		log.Error().Err(err).Str("strategy", t.def.ID).Str("pair", t.in.Pair).Str("timeframe", t.tf.Name).Msg("Optimization failed")
		return nil, "", err
	}

	var runID string
	if s.runs != nil {
		rec := db.NewRunRecord(t.def.ID, t.in.Pair, t.tf.Name, summary)
		if err := s.runs.SaveRun(ctx, rec); err != nil {
			// The result is still useful without persistence
			log.Error().Err(err).Str("strategy", t.def.ID).Msg("Failed to save optimization run")
		} else {
			runID = rec.ID.String()
		}
	}
	return summary, runID, nil
}

func errorStatus(err error) int {
	var srcErr *sourceError
	switch {
	case errors.Is(err, errNoSource):
		return http.StatusServiceUnavailable
	case errors.As(err, &srcErr) && errors.Is(err, market.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &srcErr):
		return http.StatusBadGateway
	case errors.Is(err, backtest.ErrInvalidInput),
		errors.Is(err, backtest.ErrInvalidParameter),
		errors.Is(err, backtest.ErrEmptySearchSpace):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleOptimize(c *gin.Context) {
	var req OptimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	t, err := resolveTarget(req.Strategy, req.Instrument, req.Timeframe)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	format := backtest.ExportFormat(c.Query("export"))
	if format != "" && format != backtest.FormatJSON && format != backtest.FormatYAML {
		c.JSON(http.StatusBadRequest, gin.H{"error": "export must be json or yaml"})
		return
	}

	summary, runID, err := s.optimize(c.Request.Context(), t, req.Parallel)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	if format != "" {
		doc, err := backtest.NewRunDocument(t.def.ID, t.in.Pair, t.tf.Name, summary)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		contentType := "application/json"
		if format == backtest.FormatYAML {
			contentType = "application/x-yaml"
		}
		c.Header("Content-Type", contentType)
		c.Status(http.StatusOK)
		if err := backtest.ExportResult(c.Writer, doc, format); err != nil {
			log.Error().Err(err).Msg("Failed to write run export")
		}
		return
	}

	resp := OptimizeResponse{
		RunID:      runID,
		Strategy:   t.def.ID,
		Instrument: t.in.Pair,
		Timeframe:  t.tf.Name,
		Parameters: summary.BestParameters.Map(),
		Label:      summary.BestParameters.String(),
		NetReturn:  summary.BestScore,
		GridPoints: summary.TotalRuns,
		Failed:     summary.Failed,
		DurationMs: summary.Duration.Milliseconds(),
	}
	if summary.Best != nil {
		resp.FinalEquity = summary.Best.FinalEquity
		resp.TotalTrades = len(summary.Best.Trades)
	}
	c.JSON(http.StatusOK, resp)
}

// ============================================================================
// BACKGROUND JOBS
// ============================================================================

// runJob is the job manager's RunFunc; the job's names were resolved on submit
func (s *Server) runJob(ctx context.Context, job jobqueue.Job) (*backtest.OptimizationSummary, string, error) {
	t, err := resolveTarget(job.Strategy, job.Instrument, job.Timeframe)
	if err != nil {
		return nil, "", err
	}
	return s.optimize(ctx, t, job.Parallel)
}

func (s *Server) handleSubmitJob(c *gin.Context) {
	var req OptimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	t, err := resolveTarget(req.Strategy, req.Instrument, req.Timeframe)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.jobs.Submit(jobqueue.Job{
		Strategy:   t.def.ID,
		Instrument: t.in.Pair,
		Timeframe:  t.tf.Name,
		Parallel:   req.Parallel,
	})
	if errors.Is(err, jobqueue.ErrManagerClosed) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server is shutting down"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleListJobs(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	list := s.jobs.List(jobqueue.JobStatus(c.Query("status")), limit)
	c.JSON(http.StatusOK, gin.H{"jobs": list, "count": len(list)})
}

func (s *Server) handleGetJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := s.jobs.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleCancelJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	switch err := s.jobs.Cancel(id); {
	case errors.Is(err, jobqueue.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, jobqueue.ErrJobFinished):
		c.JSON(http.StatusConflict, gin.H{"error": "Job already finished"})
	default:
		c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "cancelling"})
	}
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job ID"})
		return uuid.Nil, false
	}
	return id, true
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultRunLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxRunLimit), true
}

// ============================================================================
// STORED RUNS
// ============================================================================

func (s *Server) handleListRuns(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Run storage not configured"})
		return
	}

	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	runs, err := s.runs.ListRuns(c.Request.Context(), c.Query("strategy"), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list optimization runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) handleBestRun(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Run storage not configured"})
		return
	}

	strat, pair, tf := c.Query("strategy"), c.Query("instrument"), c.Query("timeframe")
	if strat == "" || pair == "" || tf == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "strategy, instrument and timeframe are required"})
		return
	}
	// Runs are stored under the canonical pair name
	if in, err := strategy.LookupInstrument(pair); err == nil {
		pair = in.Pair
	}

	run, err := s.runs.BestRun(c.Request.Context(), strat, pair, tf)
	if errors.Is(err, db.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No stored run"})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to load best optimization run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load run"})
		return
	}
	c.JSON(http.StatusOK, run)
}
