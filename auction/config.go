package auction

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cloudx-io/liveauction/core"
)

const (
	// DefaultOpenGrace is how long before its scheduled start a session may be opened.
	DefaultOpenGrace          = 5 * time.Minute
	DefaultMaxConflictRetries = 8
	DefaultDrainTimeout       = 5 * time.Second
	DefaultRetention          = 24 * time.Hour
)

// Config holds the engine's policies and collaborators.
type Config struct {
	// OpenGrace is used as given; zero forbids opening before the scheduled start.
	OpenGrace time.Duration
	// MaxConflictRetries bounds how often an admission retries after losing a
	// sequence race before it is rejected as bid_too_low.
	MaxConflictRetries int
	// DrainTimeout bounds how long Close and Cancel wait for in-flight admissions
	// when the caller's context has no deadline.
	DrainTimeout time.Duration
	// Retention is how long a terminal session stays registered before eviction.
	Retention time.Duration

	Currency    core.Currency
	Clock       core.Clock
	Notifier    Notifier
	Settlements SettlementSink
	Logger      *zerolog.Logger
}

// DefaultConfig returns a Config with every policy set to its default.
func DefaultConfig() Config {
	return Config{
		OpenGrace:          DefaultOpenGrace,
		MaxConflictRetries: DefaultMaxConflictRetries,
		DrainTimeout:       DefaultDrainTimeout,
		Retention:          DefaultRetention,
		Currency:           core.DefaultCurrency,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = DefaultMaxConflictRetries
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.Currency.Code == "" {
		c.Currency = core.DefaultCurrency
	}
	if c.Clock == nil {
		c.Clock = core.SystemClock{}
	}
	if c.Notifier == nil {
		c.Notifier = discardNotifier{}
	}
	if c.Settlements == nil {
		c.Settlements = discardSink{}
	}
	if c.Logger == nil {
		c.Logger = &log.Logger
	}
	return c
}
