package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/cloudx-io/liveauction/core"
)

const (
	listenVsock = "vsock"
	listenTCP   = "tcp"

	persistMemory = "memory"
	persistSQLite = "sqlite"
	persistRedis  = "redis"
)

// Config is read from AUCTIOND_* environment variables.
type Config struct {
	Listen     string `env:"AUCTIOND_LISTEN"      envDefault:"vsock"`
	VsockPort  uint32 `env:"AUCTIOND_VSOCK_PORT"  envDefault:"5000"`
	TCPAddr    string `env:"AUCTIOND_TCP_ADDR"    envDefault:"127.0.0.1:5000"`
	MaxWorkers int    `env:"AUCTIOND_MAX_WORKERS,required"`
	LogLevel   string `env:"AUCTIOND_LOG_LEVEL"   envDefault:"info"`

	ReadTimeout time.Duration `env:"AUCTIOND_READ_TIMEOUT" envDefault:"30s"`

	Persistence   string `env:"AUCTIOND_PERSISTENCE"    envDefault:"memory"`
	SQLitePath    string `env:"AUCTIOND_SQLITE_PATH"    envDefault:"auctiond.db"`
	RedisAddr     string `env:"AUCTIOND_REDIS_ADDR"     envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"AUCTIOND_REDIS_PASSWORD"`
	RedisDB       int    `env:"AUCTIOND_REDIS_DB"       envDefault:"0"`
	RedisPrefix   string `env:"AUCTIOND_REDIS_PREFIX"   envDefault:"auction"`

	NATSURL           string `env:"AUCTIOND_NATS_URL"`
	NATSSubjectPrefix string `env:"AUCTIOND_NATS_SUBJECT_PREFIX" envDefault:"auction"`
	NATSStream        string `env:"AUCTIOND_NATS_STREAM"         envDefault:"AUCTION_SETTLEMENTS"`

	// SigningKeyFile holds a PEM P-256 key. Empty generates a key per process.
	SigningKeyFile string `env:"AUCTIOND_SIGNING_KEY_FILE"`

	Currency           string        `env:"AUCTIOND_CURRENCY"             envDefault:"USD"`
	MinorUnits         int32         `env:"AUCTIOND_MINOR_UNITS"          envDefault:"2"`
	OpenGrace          time.Duration `env:"AUCTIOND_OPEN_GRACE"           envDefault:"5m"`
	MaxConflictRetries int           `env:"AUCTIOND_MAX_CONFLICT_RETRIES" envDefault:"8"`
	DrainTimeout       time.Duration `env:"AUCTIOND_DRAIN_TIMEOUT"        envDefault:"5s"`
	Retention          time.Duration `env:"AUCTIOND_RETENTION"            envDefault:"24h"`

	SchedulerInterval time.Duration `env:"AUCTIOND_SCHEDULER_INTERVAL" envDefault:"1s"`
	EndingSoonWindow  time.Duration `env:"AUCTIOND_ENDING_SOON_WINDOW" envDefault:"5m"`
}

// loadConfig parses the environment and validates the result.
func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Listen {
	case listenVsock, listenTCP:
	default:
		return fmt.Errorf("invalid AUCTIOND_LISTEN %q (must be %s or %s)", c.Listen, listenVsock, listenTCP)
	}
	switch c.Persistence {
	case persistMemory, persistSQLite, persistRedis:
	default:
		return fmt.Errorf("invalid AUCTIOND_PERSISTENCE %q (must be %s, %s or %s)", c.Persistence, persistMemory, persistSQLite, persistRedis)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("invalid AUCTIOND_MAX_WORKERS %d (must be positive)", c.MaxWorkers)
	}
	if c.MinorUnits < 0 {
		return fmt.Errorf("invalid AUCTIOND_MINOR_UNITS %d", c.MinorUnits)
	}
	if c.OpenGrace < 0 || c.Retention < 0 {
		return fmt.Errorf("open grace and retention must not be negative")
	}
	return nil
}

func (c Config) currency() core.Currency {
	return core.Currency{Code: c.Currency, MinorUnits: c.MinorUnits}
}
