package config

// ============================================================================
// DEFAULT PORTS
// ============================================================================
//
//   8080-8099: API servers
//   9100-9199: Prometheus metrics endpoints

const (
	// APIServerPort is the default port of the optimize API
	APIServerPort = 8080

	// MetricsPort is the default port of the standalone /metrics server
	MetricsPort = 9100

	// PostgresPort is the default port for PostgreSQL.
	PostgresPort = 5432

	// RedisPort is the default port for Redis.
	RedisPort = 6379
)
