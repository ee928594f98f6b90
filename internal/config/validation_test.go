package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getValidConfig returns a valid configuration for testing
func getValidConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "fxbacktester",
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "console",
		},
		Backtest: BacktestConfig{
			InitialCapital:   10000,
			CommissionRate:   0.0002,
			Parallel:         4,
			ProgressInterval: 500,
			Tolerance:        1e-6,
		},
		Data: DataConfig{
			Dir:            "data",
			BaseURL:        "https://query1.finance.yahoo.com",
			Timeout:        15 * time.Second,
			RequestsPerSec: 2,
			Burst:          1,
			MaxRetries:     3,
		},
		Output: OutputConfig{
			MetricsDir: "metrics",
			ReportsDir: "outputs",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
			TTL:  time.Hour,
		},
		API: APIConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			MaxJobs: 2,
		},
		Monitoring: MonitoringConfig{
			EnableMetrics:  true,
			PrometheusPort: 9100,
		},
	}
}

func fieldsOf(err error) []string {
	var ve ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	fields := make([]string, len(ve))
	for i, e := range ve {
		fields[i] = e.Field
	}
	return fields
}

func TestValidConfigPasses(t *testing.T) {
	assert.NoError(t, getValidConfig().Validate())
}

func TestValidateReportsEachField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad environment", func(c *Config) { c.App.Environment = "prod" }, "app.environment"},
		{"bad log level", func(c *Config) { c.App.LogLevel = "loud" }, "app.log_level"},
		{"empty log level", func(c *Config) { c.App.LogLevel = "" }, "app.log_level"},
		{"bad log format", func(c *Config) { c.App.LogFormat = "xml" }, "app.log_format"},
		{"zero capital", func(c *Config) { c.Backtest.InitialCapital = 0 }, "backtest.initial_capital"},
		{"negative commission", func(c *Config) { c.Backtest.CommissionRate = -0.1 }, "backtest.commission_rate"},
		{"full commission", func(c *Config) { c.Backtest.CommissionRate = 1 }, "backtest.commission_rate"},
		{"no workers", func(c *Config) { c.Backtest.Parallel = 0 }, "backtest.parallel"},
		{"negative progress", func(c *Config) { c.Backtest.ProgressInterval = -1 }, "backtest.progress_interval"},
		{"zero tolerance", func(c *Config) { c.Backtest.Tolerance = 0 }, "backtest.tolerance"},
		{"no data dir", func(c *Config) { c.Data.Dir = "" }, "data.dir"},
		{"relative url", func(c *Config) { c.Data.BaseURL = "query1.finance.yahoo.com" }, "data.base_url"},
		{"no timeout", func(c *Config) { c.Data.Timeout = 0 }, "data.timeout"},
		{"no rate", func(c *Config) { c.Data.RequestsPerSec = 0 }, "data.requests_per_sec"},
		{"negative retries", func(c *Config) { c.Data.MaxRetries = -1 }, "data.max_retries"},
		{"no metrics dir", func(c *Config) { c.Output.MetricsDir = "" }, "output.metrics_dir"},
		{"no reports dir", func(c *Config) { c.Output.ReportsDir = "" }, "output.reports_dir"},
		{"bad api port", func(c *Config) { c.API.Port = 70000 }, "api.port"},
		{"no jobs", func(c *Config) { c.API.MaxJobs = 0 }, "api.max_jobs"},
		{"port conflict", func(c *Config) { c.Monitoring.PrometheusPort = 8080 }, "monitoring.prometheus_port"},
		{
			name: "redis without host",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Host = ""
			},
			field: "redis.host",
		},
		{
			name: "redis bad port",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Port = 0
			},
			field: "redis.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, []string{tt.field}, fieldsOf(err))
		})
	}
}

func TestDisabledSectionsAreNotValidated(t *testing.T) {
	cfg := getValidConfig()
	cfg.Redis = RedisConfig{}
	cfg.Monitoring = MonitoringConfig{PrometheusPort: 8080}
	assert.NoError(t, cfg.Validate())
}

func TestDatabaseURLFallsBackToEnvironment(t *testing.T) {
	cfg := getValidConfig()
	cfg.Database.Enabled = true

	t.Setenv("DATABASE_URL", "")
	assert.Equal(t, []string{"database.url"}, fieldsOf(cfg.Validate()))

	t.Setenv("DATABASE_URL", "postgres://localhost:5432/fx")
	assert.NoError(t, cfg.Validate())
}

func TestValidationErrorsAggregate(t *testing.T) {
	cfg := getValidConfig()
	cfg.Backtest.InitialCapital = -5
	cfg.Data.Dir = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, []string{"backtest.initial_capital", "data.dir"}, fieldsOf(err))
	assert.True(t, strings.Contains(err.Error(), "failed with 2 error(s)"))
	assert.Empty(t, ValidationErrors{}.Error())
}
