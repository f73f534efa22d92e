// Package scheduler drives session lifecycles from their scheduled times.
package scheduler

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudx-io/liveauction/auction"
	"github.com/cloudx-io/liveauction/core"
)

const (
	DefaultInterval         = time.Second
	DefaultEndingSoonWindow = 5 * time.Minute
)

// Options configures a Scheduler.
type Options struct {
	// Interval between ticks.
	Interval time.Duration
	// EndingSoonWindow is how long before its end a session announces it is ending.
	EndingSoonWindow time.Duration
}

// Scheduler opens due sessions, closes sessions past their end, announces
// sessions that are about to end and evicts sessions past retention.
type Scheduler struct {
	engine *auction.Engine
	opts   Options
	logger zerolog.Logger
}

// TickResult reports what one tick did.
type TickResult struct {
	Opened     []string
	Closed     []string
	EndingSoon []string
	Evicted    []string
}

func New(engine *auction.Engine, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.EndingSoonWindow <= 0 {
		opts.EndingSoonWindow = DefaultEndingSoonWindow
	}
	return &Scheduler{
		engine: engine,
		opts:   opts,
		logger: engine.Logger().With().Str("component", "scheduler").Logger(),
	}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.opts.Interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one pass over every registered session. Errors are logged;
// transition races with manual operations are expected and ignored.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	cfg := s.engine.Config()
	now := cfg.Clock.Now()
	var result TickResult

	for _, sess := range s.engine.Registry().List() {
		switch {
		case sess.DueToOpen(now):
			if err := sess.Open(ctx); err != nil {
				s.logFailure(sess.ID(), "open", err)
				continue
			}
			result.Opened = append(result.Opened, sess.ID())

		case sess.DueToClose(now):
			if _, err := sess.Close(ctx); err != nil && !errors.Is(err, auction.ErrSettlementPending) {
				s.logFailure(sess.ID(), "close", err)
				continue
			}
			result.Closed = append(result.Closed, sess.ID())

		default:
			remaining, ok := sess.MarkEndingSoon(now, s.opts.EndingSoonWindow)
			if !ok {
				continue
			}
			minutes := int(math.Ceil(remaining.Minutes()))
			for _, item := range sess.Items() {
				s.notify(ctx, cfg.Notifier, core.SessionEndingSoon{
					SessionID:        sess.ID(),
					ItemID:           item.ItemID,
					MinutesRemaining: minutes,
				})
			}
			result.EndingSoon = append(result.EndingSoon, sess.ID())
		}
	}

	result.Evicted = s.engine.Registry().Evict(now)
	return result
}

func (s *Scheduler) notify(ctx context.Context, notifier auction.Notifier, event core.Event) {
	if err := notifier.Notify(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("session", event.EventSessionID()).Msg("ending soon notification failed")
	}
}

func (s *Scheduler) logFailure(sessionID, op string, err error) {
	event := s.logger.Error()
	if errors.Is(err, core.ErrInvalidTransition) {
		event = s.logger.Debug()
	}
	event.Err(err).Str("session", sessionID).Str("op", op).Msg("scheduled transition failed")
}
