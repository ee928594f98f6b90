// Package config loads fxbacktester settings from config.yaml and FXBT_* environment
// variables, validates them and sets up logging.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fxlab/fxbacktester/internal/market"
	"github.com/fxlab/fxbacktester/pkg/backtest"
	"github.com/fxlab/fxbacktester/pkg/strategy"
)

// EnvPrefix prefixes every environment override, e.g. FXBT_DATA_DIR
const EnvPrefix = "FXBT"

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Backtest   BacktestConfig   `mapstructure:"backtest"`
	Data       DataConfig       `mapstructure:"data"`
	Output     OutputConfig     `mapstructure:"output"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // console or json
}

// BacktestConfig contains simulator and optimizer settings
type BacktestConfig struct {
	InitialCapital   float64 `mapstructure:"initial_capital"`
	CommissionRate   float64 `mapstructure:"commission_rate"`
	Parallel         int     `mapstructure:"parallel"`
	ProgressInterval int     `mapstructure:"progress_interval"`
	Tolerance        float64 `mapstructure:"tolerance"` // intraday crossover tolerance
}

// DataConfig contains market data settings
type DataConfig struct {
	Dir            string        `mapstructure:"dir"`
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	Burst          int           `mapstructure:"burst"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// OutputConfig contains report locations
type OutputConfig struct {
	MetricsDir string `mapstructure:"metrics_dir"`
	ReportsDir string `mapstructure:"reports_dir"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"` // falls back to DATABASE_URL
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxJobs        int      `mapstructure:"max_jobs"` // concurrent background optimizations
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	EnableMetrics  bool `mapstructure:"enable_metrics"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "fxbacktester")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Backtest defaults
	v.SetDefault("backtest.initial_capital", 10000.0)
	v.SetDefault("backtest.commission_rate", 0.0002)
	v.SetDefault("backtest.parallel", 1)
	v.SetDefault("backtest.progress_interval", 500)
	v.SetDefault("backtest.tolerance", 1e-6)

	// Data defaults
	v.SetDefault("data.dir", "data")
	v.SetDefault("data.base_url", market.DefaultYahooURL)
	v.SetDefault("data.timeout", 15*time.Second)
	v.SetDefault("data.requests_per_sec", 2.0)
	v.SetDefault("data.burst", 1)
	v.SetDefault("data.max_retries", 3)

	// Output defaults
	v.SetDefault("output.metrics_dir", "metrics")
	v.SetDefault("output.reports_dir", "outputs")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", RedisPort)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", time.Hour)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.url", "")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", APIServerPort)
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("api.max_jobs", 2)

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", false)
	v.SetDefault("monitoring.prometheus_port", MetricsPort)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SimulatorConfig returns the engine configuration. Execution timing is set per strategy.
func (c *BacktestConfig) SimulatorConfig() backtest.BacktestConfig {
	cfg := backtest.DefaultConfig()
	cfg.InitialCapital = c.InitialCapital
	cfg.CommissionRate = c.CommissionRate
	return cfg
}

// StrategyOptions returns optimizer options without an observer
func (c *BacktestConfig) StrategyOptions() strategy.Options {
	return strategy.Options{
		Config:           c.SimulatorConfig(),
		Parallel:         c.Parallel,
		Tolerance:        c.Tolerance,
		ProgressInterval: c.ProgressInterval,
	}
}

// YahooConfig returns the chart client settings
func (c *DataConfig) YahooConfig() market.YahooConfig {
	cfg := market.DefaultYahooConfig()
	cfg.BaseURL = c.BaseURL
	cfg.Timeout = c.Timeout
	cfg.RequestsPerSec = c.RequestsPerSec
	cfg.Burst = c.Burst
	cfg.Retry.MaxRetries = c.MaxRetries
	cfg.UserAgent = UserAgent()
	return cfg
}
