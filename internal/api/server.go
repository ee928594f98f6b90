// Package api exposes the strategy catalogue and on-demand optimizations over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	jobqueue "github.com/fxlab/fxbacktester/internal/backtest"
	"github.com/fxlab/fxbacktester/internal/db"
	"github.com/fxlab/fxbacktester/internal/market"
	"github.com/fxlab/fxbacktester/internal/metrics"
	"github.com/fxlab/fxbacktester/pkg/strategy"
)

// RunStore persists optimization runs; *db.RunRepository implements it
type RunStore interface {
	SaveRun(ctx context.Context, run *db.RunRecord) error
	ListRuns(ctx context.Context, strategy string, limit int) ([]*db.RunRecord, error)
	BestRun(ctx context.Context, strategy, instrument, timeframe string) (*db.RunRecord, error)
}

// Server represents the REST API server
type Server struct {
	router  *gin.Engine
	source  market.Source
	runs    RunStore
	options strategy.Options
	jobs    *jobqueue.JobManager
	version string
	addr    string
	server  *http.Server
	started time.Time
}

// Config contains server configuration
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	Version        string

	Source  market.Source
	Runs    RunStore // optional
	Options strategy.Options
	MaxJobs int // concurrent background optimizations, default 1
}

// NewServer creates a new API server
func NewServer(config Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(metrics.GinMiddleware())

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	server := &Server{
		router:  router,
		source:  config.Source,
		runs:    config.Runs,
		options: config.Options,
		version: config.Version,
		addr:    fmt.Sprintf("%s:%d", config.Host, config.Port),
		started: time.Now(),
	}
	server.jobs = jobqueue.NewJobManager(server.runJob, config.MaxJobs)
	server.setupRoutes()
	return server
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/strategies", s.handleListStrategies)
		v1.GET("/timeframes", s.handleListTimeframes)
		v1.GET("/instruments", s.handleListInstruments)
		v1.POST("/optimize", s.handleOptimize)

		runs := v1.Group("/runs")
		{
			runs.GET("", s.handleListRuns)
			runs.GET("/best", s.handleBestRun)
		}

		jobs := v1.Group("/jobs")
		{
			jobs.POST("", s.handleSubmitJob)
			jobs.GET("", s.handleListJobs)
			jobs.GET("/:id", s.handleGetJob)
			jobs.DELETE("/:id", s.handleCancelJob)
		}
	}
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // full grids on intraday bars take a while
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server and cancels unfinished jobs
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")
	defer s.jobs.Close()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// LoggerMiddleware is a custom logging middleware for Gin
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logEvent := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", c.Request.URL.RawQuery).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}
		logEvent.Msg("API request")
	}
}
