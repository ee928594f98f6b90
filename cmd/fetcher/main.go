// fetcher downloads every instrument and timeframe from the chart API into the CSV data
// directory, once or on an interval.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fxlab/fxbacktester/internal/config"
	"github.com/fxlab/fxbacktester/internal/market"
	"github.com/fxlab/fxbacktester/pkg/strategy"
)

var (
	configPath = flag.String("config", "", "Path to config.yaml (default ./configs or .)")
	pairs      = flag.String("pairs", "", "Comma-separated pairs to download (default all)")
	timeframes = flag.String("timeframes", "", "Comma-separated timeframes to download (default all)")
	force      = flag.Bool("force", false, "Download series that already have a file")
	interval   = flag.Duration("interval", 0, "Keep syncing on this interval (0 runs once)")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
)

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
	logger := config.NewLogger("fetcher")

	instruments, tfs, err := parseMatrix(*pairs, *timeframes)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid selection")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cache *market.RedisCache
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = client.Close() }()
		cache = market.NewRedisCache(client, cfg.Redis.TTL)
	}

	sync := market.NewSyncService(market.NewYahooClient(cfg.Data.YahooConfig()), market.NewCSVStore(cfg.Data.Dir), cache)
	sync.Restrict(instruments, tfs)
	sync.SetForce(*force)
	sync.SetInterval(*interval)

	if err := sync.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Market data sync failed")
		os.Exit(1)
	}
}

func parseMatrix(pairs, timeframes string) ([]strategy.Instrument, []strategy.Timeframe, error) {
	var instruments []strategy.Instrument
	for _, name := range splitList(pairs) {
		in, err := strategy.LookupInstrument(name)
		if err != nil {
			return nil, nil, err
		}
		instruments = append(instruments, in)
	}

	var tfs []strategy.Timeframe
	for _, name := range splitList(timeframes) {
		tf, err := strategy.LookupTimeframe(name)
		if err != nil {
			return nil, nil, err
		}
		tfs = append(tfs, tf)
	}
	return instruments, tfs, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
