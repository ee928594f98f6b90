package config

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateBacktest()...)
	errors = append(errors, c.validateData()...)
	errors = append(errors, c.validateOutput()...)
	errors = append(errors, c.validateRedis()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validatePorts()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	validEnvs := []string{"development", "staging", "production"}
	if !slices.Contains(validEnvs, c.App.Environment) {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
		})
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.App.LogLevel)); err != nil || c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: fmt.Sprintf("Invalid log level '%s' (debug, info, warn, error)", c.App.LogLevel),
		})
	}

	if c.App.LogFormat != "console" && c.App.LogFormat != "json" {
		errors = append(errors, ValidationError{
			Field:   "app.log_format",
			Message: fmt.Sprintf("Invalid log format '%s'. Must be console or json", c.App.LogFormat),
		})
	}

	return errors
}

func (c *Config) validateBacktest() ValidationErrors {
	var errors ValidationErrors

	if !(c.Backtest.InitialCapital > 0) || math.IsInf(c.Backtest.InitialCapital, 0) {
		errors = append(errors, ValidationError{
			Field:   "backtest.initial_capital",
			Message: "Initial capital must be positive",
		})
	}

	if !(c.Backtest.CommissionRate >= 0 && c.Backtest.CommissionRate < 1) {
		errors = append(errors, ValidationError{
			Field:   "backtest.commission_rate",
			Message: "Commission rate must be in [0, 1)",
		})
	}

	if c.Backtest.Parallel < 1 {
		errors = append(errors, ValidationError{
			Field:   "backtest.parallel",
			Message: "Parallelism must be at least 1",
		})
	}

	if c.Backtest.ProgressInterval < 0 {
		errors = append(errors, ValidationError{
			Field:   "backtest.progress_interval",
			Message: "Progress interval cannot be negative",
		})
	}

	if !(c.Backtest.Tolerance > 0) {
		errors = append(errors, ValidationError{
			Field:   "backtest.tolerance",
			Message: "Crossover tolerance must be positive",
		})
	}

	return errors
}

func (c *Config) validateData() ValidationErrors {
	var errors ValidationErrors

	if c.Data.Dir == "" {
		errors = append(errors, ValidationError{
			Field:   "data.dir",
			Message: "Data directory is required",
		})
	}

	if u, err := url.Parse(c.Data.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "data.base_url",
			Message: fmt.Sprintf("Invalid provider URL '%s'", c.Data.BaseURL),
		})
	}

	if c.Data.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "data.timeout",
			Message: "Request timeout must be positive",
		})
	}

	if !(c.Data.RequestsPerSec > 0) {
		errors = append(errors, ValidationError{
			Field:   "data.requests_per_sec",
			Message: "Rate limit must be positive",
		})
	}

	if c.Data.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "data.max_retries",
			Message: "Retries cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateOutput() ValidationErrors {
	var errors ValidationErrors

	if c.Output.MetricsDir == "" {
		errors = append(errors, ValidationError{
			Field:   "output.metrics_dir",
			Message: "Metrics directory is required",
		})
	}

	if c.Output.ReportsDir == "" {
		errors = append(errors, ValidationError{
			Field:   "output.reports_dir",
			Message: "Reports directory is required",
		})
	}

	return errors
}

func (c *Config) validateRedis() ValidationErrors {
	var errors ValidationErrors

	if !c.Redis.Enabled {
		return errors
	}

	if c.Redis.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required when the cache is enabled",
		})
	}

	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: fmt.Sprintf("Invalid Redis port %d", c.Redis.Port),
		})
	}

	if c.Redis.TTL < 0 {
		errors = append(errors, ValidationError{
			Field:   "redis.ttl",
			Message: "Cache TTL cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.Enabled && c.Database.URL == "" && os.Getenv("DATABASE_URL") == "" {
		errors = append(errors, ValidationError{
			Field:   "database.url",
			Message: "Database URL or DATABASE_URL is required when run storage is enabled",
		})
	}

	return errors
}

func (c *Config) validatePorts() ValidationErrors {
	var errors ValidationErrors

	if c.API.Port < 1 || c.API.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "api.port",
			Message: fmt.Sprintf("Invalid API port %d", c.API.Port),
		})
	}

	if c.API.MaxJobs < 1 {
		errors = append(errors, ValidationError{
			Field:   "api.max_jobs",
			Message: "At least one background job must be allowed",
		})
	}

	if c.Monitoring.EnableMetrics {
		if c.Monitoring.PrometheusPort < 0 || c.Monitoring.PrometheusPort > 65535 {
			errors = append(errors, ValidationError{
				Field:   "monitoring.prometheus_port",
				Message: fmt.Sprintf("Invalid metrics port %d", c.Monitoring.PrometheusPort),
			})
		} else if c.Monitoring.PrometheusPort == c.API.Port {
			errors = append(errors, ValidationError{
				Field:   "monitoring.prometheus_port",
				Message: fmt.Sprintf("Metrics port %d conflicts with the API port", c.Monitoring.PrometheusPort),
			})
		}
	}

	return errors
}
