// fxbacktest optimizes FX strategies over a parameter grid and writes an HTML report and
// a summary CSV row for the best point. Without -strategy it walks the interactive menus;
// "fxbacktest serve" starts the HTTP API instead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fxlab/fxbacktester/internal/api"
	"github.com/fxlab/fxbacktester/internal/config"
	"github.com/fxlab/fxbacktester/internal/db"
	"github.com/fxlab/fxbacktester/internal/market"
	"github.com/fxlab/fxbacktester/internal/metrics"
	"github.com/fxlab/fxbacktester/pkg/strategy"
)

// ============================================================================
// CLI FLAGS
// ============================================================================

var (
	configPath   = flag.String("config", "", "Path to config.yaml (default ./configs or .)")
	strategyName = flag.String("strategy", "", "Menu code (sma1, mm2, ...) or strategy id (ema-crossover, ...)")
	pairName     = flag.String("pair", "", "Currency pair (EUR/USD, EURUSD or EURUSD=X)")
	timeframe    = flag.String("timeframe", "", "Timeframe (1y, 6mo, 5d)")
	parallel     = flag.Int("parallel", 0, "Grid search workers (overrides config)")
	offline      = flag.Bool("offline", false, "Only use cached and CSV data, never the provider")
	refresh      = flag.Bool("refresh", false, "Always download fresh data")
	verbose      = flag.Bool("verbose", false, "Enable verbose logging")
)

// ============================================================================
// MAIN
// ============================================================================

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := cfg.App.LogLevel
	if *verbose {
		level = zerolog.LevelDebugValue
	}
	config.InitLogger(level, cfg.App.LogFormat)

	if *parallel > 0 {
		cfg.Backtest.Parallel = *parallel
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.NewValidator(cfg, config.DefaultValidatorOptions()).ValidateStartup(ctx); err != nil {
		log.Fatal().Err(err).Msg("Startup validation failed")
	}

	fx, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer fx.Close()

	if flag.Arg(0) == "serve" {
		err = fx.serve(ctx)
	} else {
		err = fx.backtest(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("fxbacktest failed")
	}
}

// ============================================================================
// WIRING
// ============================================================================

type app struct {
	cfg     *config.Config
	source  *market.LayeredSource
	redis   *redis.Client
	db      *db.DB
	runs    *db.RunRepository
	metrics *metrics.Server
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	var cache *market.RedisCache
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = market.NewRedisCache(a.redis, cfg.Redis.TTL)
	}

	var provider market.Source
	if !*offline {
		provider = market.NewYahooClient(cfg.Data.YahooConfig())
	}
	a.source = market.NewLayeredSource(cache, market.NewCSVStore(cfg.Data.Dir), provider)
	a.source.SetRefresh(*refresh)

	if cfg.Database.Enabled {
		database, err := db.New(ctx, cfg.Database.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.db = database
		a.runs = db.NewRunRepository(database.Pool())
		if err := a.runs.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	if cfg.Monitoring.EnableMetrics {
		a.metrics = metrics.NewServer(cfg.Monitoring.PrometheusPort, log.Logger)
		if err := a.metrics.Start(); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

// Close releases connections and stops the metrics server
func (a *app) Close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metrics.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop metrics server")
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func (a *app) runner() *Runner {
	r := &Runner{
		source:     a.source,
		options:    a.cfg.Backtest.StrategyOptions(),
		reportsDir: a.cfg.Output.ReportsDir,
		metricsDir: a.cfg.Output.MetricsDir,
		out:        os.Stdout,
	}
	if a.runs != nil {
		r.runs = a.runs
	}
	return r
}

// ============================================================================
// MODES
// ============================================================================

func (a *app) backtest(ctx context.Context) error {
	runner := a.runner()

	if *strategyName != "" || *pairName != "" || *timeframe != "" {
		sel, err := selectionFromFlags(*strategyName, *pairName, *timeframe)
		if err != nil {
			return err
		}
		_, err = runner.Run(ctx, sel)
		return err
	}

	menu := NewMenu(os.Stdin, os.Stdout)
	for {
		sel, ok, err := menu.Next()
		if err != nil || !ok {
			return err
		}
		if _, err := runner.Run(ctx, sel); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// One bad series should not end the session
			log.Error().Err(err).Str("strategy", sel.Variant.Code).Msg("Backtest failed")
		}
	}
}

func selectionFromFlags(strategyName, pair, tf string) (Selection, error) {
	if strategyName == "" || pair == "" || tf == "" {
		return Selection{}, fmt.Errorf("-strategy, -pair and -timeframe must be given together")
	}
	v, err := lookupVariant(strategyName)
	if err != nil {
		return Selection{}, err
	}
	in, err := strategy.LookupInstrument(pair)
	if err != nil {
		return Selection{}, err
	}
	t, err := strategy.LookupTimeframe(tf)
	if err != nil {
		return Selection{}, err
	}
	return Selection{Variant: v, Instrument: in, Timeframe: t}, nil
}

func (a *app) serve(ctx context.Context) error {
	cfg := api.Config{
		Host:           a.cfg.API.Host,
		Port:           a.cfg.API.Port,
		AllowedOrigins: a.cfg.API.AllowedOrigins,
		MaxJobs:        a.cfg.API.MaxJobs,
		Version:        config.Version,
		Source:         a.source,
		Options:        a.cfg.Backtest.StrategyOptions(),
	}
	if a.runs != nil {
		cfg.Runs = a.runs
	}
	server := api.NewServer(cfg)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		log.Info().Msg("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}
