package config

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	BackendCRDB   = "crdb"
	BackendMemory = "memory"
)

type Config struct {
	HTTPAddr     string `envconfig:"HTTP_ADDR" default:":8080"`
	Backend      string `envconfig:"BACKEND" default:"crdb"`
	CRDBDSN      string `envconfig:"CRDB_DSN"`
	MongoURI     string `envconfig:"MONGO_URI"`
	MongoDB      string `envconfig:"MONGO_DB" default:"resv"`
	RedisAddr    string `envconfig:"REDIS_ADDR"`
	RabbitURL    string `envconfig:"RABBIT_URL"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`

	HoldTTL      time.Duration `envconfig:"HOLD_TTL" default:"5m"`
	MaxHoldTTL   time.Duration `envconfig:"MAX_HOLD_TTL" default:"24h"`
	MaxAttempts  int           `envconfig:"ENGINE_MAX_ATTEMPTS" default:"5"`
	LedgerShards int           `envconfig:"LEDGER_SHARDS" default:"32"`

	ReaperInterval    time.Duration `envconfig:"REAPER_INTERVAL" default:"5s"`
	ReaperConcurrency int           `envconfig:"REAPER_CONCURRENCY" default:"8"`

	OutboxInterval time.Duration `envconfig:"OUTBOX_INTERVAL" default:"5s"`
	OutboxBatch    int           `envconfig:"OUTBOX_BATCH" default:"100"`

	IdempotencyTTL     time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	RateLimitPerMinute int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"600"`
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "process env config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendCRDB:
		if c.CRDBDSN == "" {
			return errors.New("CRDB_DSN is required when BACKEND=crdb")
		}
	default:
		return errors.Newf("unknown BACKEND %q", c.Backend)
	}
	if c.HoldTTL <= 0 || c.HoldTTL > c.MaxHoldTTL {
		return errors.Newf("HOLD_TTL %s must be in (0, MAX_HOLD_TTL=%s]", c.HoldTTL, c.MaxHoldTTL)
	}
	if c.MaxAttempts <= 0 {
		return errors.Newf("ENGINE_MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	return nil
}
