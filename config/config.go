// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPAddr         string        `env:"ESCROWFLOW_HTTP_ADDR" envDefault:":8080"`
	DatabaseURL      string        `env:"DATABASE_URL"`
	RedisURL         string        `env:"REDIS_URL"`
	KafkaBrokers     []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopicPrefix string        `env:"KAFKA_TOPIC_PREFIX"`
	JWTSecret        string        `env:"JWT_SECRET,required,notEmpty"`
	PolicyPath       string        `env:"POLICY_PATH"`
	GatewayURL       string        `env:"GATEWAY_URL"`
	GatewayTimeout   time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
	OutboxPoll       time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"2s"`
	OutboxBatchSize  int           `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`
	ReconcileEvery   time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	IdempotencyTTL   time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	OTelEndpoint     string        `env:"OTEL_ENDPOINT"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.OutboxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("config: OUTBOX_BATCH_SIZE must be positive"))
	}
	if c.OutboxPoll <= 0 {
		errs = append(errs, fmt.Errorf("config: OUTBOX_POLL_INTERVAL must be positive"))
	}
	if c.ReconcileEvery <= 0 {
		errs = append(errs, fmt.Errorf("config: RECONCILE_INTERVAL must be positive"))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: GATEWAY_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}
