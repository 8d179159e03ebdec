package worker

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultSweepInterval     = time.Minute
	defaultReconcileInterval = time.Hour
	defaultBatchSize         = 500
	defaultLockTTL           = 2 * time.Minute
	defaultExchange          = "ledger.events"
	defaultPublishAttempts   = 3
	defaultPublishBaseDelay  = 200 * time.Millisecond
	defaultLockKeyPrefix     = "creditledger:lock:"
)

// Config holds background worker and broker settings read from the environment.
type Config struct {
	SweepInterval      time.Duration `env:"LEDGER_SWEEP_INTERVAL" envDefault:"1m"`
	SweepBatchSize     int           `env:"LEDGER_SWEEP_BATCH_SIZE" envDefault:"500"`
	ReconcileInterval  time.Duration `env:"LEDGER_RECONCILE_INTERVAL" envDefault:"1h"`
	ReconcileBatchSize int           `env:"LEDGER_RECONCILE_BATCH_SIZE" envDefault:"200"`
	ReconcileRepair    bool          `env:"LEDGER_RECONCILE_REPAIR" envDefault:"false"`
	BackfillOnStart    bool          `env:"LEDGER_BACKFILL_ON_START" envDefault:"true"`

	RedisAddr     string        `env:"LEDGER_REDIS_ADDR"`
	RedisPassword string        `env:"LEDGER_REDIS_PASSWORD"`
	RedisDB       int           `env:"LEDGER_REDIS_DB" envDefault:"0"`
	LockTTL       time.Duration `env:"LEDGER_LOCK_TTL" envDefault:"2m"`
	LockKeyPrefix string        `env:"LEDGER_LOCK_KEY_PREFIX" envDefault:"creditledger:lock:"`

	AMQPURL          string        `env:"LEDGER_AMQP_URL"`
	AMQPExchange     string        `env:"LEDGER_AMQP_EXCHANGE" envDefault:"ledger.events"`
	PublishAttempts  uint          `env:"LEDGER_PUBLISH_ATTEMPTS" envDefault:"3"`
	PublishBaseDelay time.Duration `env:"LEDGER_PUBLISH_BASE_DELAY" envDefault:"200ms"`
}

// ParseEnv loads Config from environment variables and validates it.
func ParseEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fills zero values with defaults and rejects negative settings.
func (cfg *Config) Validate() error {
	if cfg.SweepInterval < 0 || cfg.ReconcileInterval < 0 || cfg.LockTTL < 0 {
		return fmt.Errorf("worker intervals must not be negative")
	}
	if cfg.SweepBatchSize < 0 || cfg.ReconcileBatchSize < 0 {
		return fmt.Errorf("worker batch sizes must not be negative")
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = defaultBatchSize
	}
	if cfg.ReconcileBatchSize == 0 {
		cfg.ReconcileBatchSize = defaultBatchSize
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.PublishAttempts == 0 {
		cfg.PublishAttempts = defaultPublishAttempts
	}
	if cfg.PublishBaseDelay <= 0 {
		cfg.PublishBaseDelay = defaultPublishBaseDelay
	}
	if strings.TrimSpace(cfg.AMQPExchange) == "" {
		cfg.AMQPExchange = defaultExchange
	}
	if strings.TrimSpace(cfg.LockKeyPrefix) == "" {
		cfg.LockKeyPrefix = defaultLockKeyPrefix
	}
	return nil
}
