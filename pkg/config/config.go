// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full process configuration. One struct for all binaries;
// each subcommand reads the fields it needs.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`

	// Storage. DatabaseURL selects Postgres; SQLitePath is the embedded
	// fallback for single-node and offline field deployments.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"fincore.db"`

	// Redis backs delivery idempotency reservations; empty disables the
	// guard and delivery degrades to plain at-least-once.
	RedisAddr           string        `env:"REDIS_ADDR"`
	RedisPassword       string        `env:"REDIS_PASSWORD"`
	RedisReservationTTL time.Duration `env:"REDIS_RESERVATION_TTL" envDefault:"168h"`

	// Broker endpoint for outbox delivery.
	BrokerURL     string        `env:"BROKER_URL"`
	BrokerToken   string        `env:"BROKER_TOKEN"`
	BrokerTimeout time.Duration `env:"BROKER_TIMEOUT" envDefault:"10s"`

	// Outbox drain loop.
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`
	OutboxMaxRetries   int           `env:"OUTBOX_MAX_RETRIES" envDefault:"5"`
	OutboxBaseDelay    time.Duration `env:"OUTBOX_BASE_DELAY" envDefault:"1s"`
	OutboxRetryCap     time.Duration `env:"OUTBOX_RETRY_CAP" envDefault:"60s"`
	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"5s"`
	OutboxPublishRate  float64       `env:"OUTBOX_PUBLISH_RATE" envDefault:"0"`

	// Controller retry bound for optimistic concurrency.
	MutationMaxRetries int `env:"MUTATION_MAX_RETRIES" envDefault:"8"`

	// Financial panic latch threshold; zero disables the latch.
	FinancialPanicThreshold int64 `env:"FINANCIAL_PANIC_THRESHOLD" envDefault:"5"`

	// OTel metrics export; empty disables the provider.
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load parses configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// UsePostgres reports whether the Postgres stores should be wired instead of
// the embedded SQLite fallback.
func (c Config) UsePostgres() bool { return c.DatabaseURL != "" }

// UseRedis reports whether the delivery idempotency guard should be wired.
func (c Config) UseRedis() bool { return c.RedisAddr != "" }
