package auction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudx-io/liveauction/core"
	"github.com/cloudx-io/liveauction/ledger"
	"github.com/cloudx-io/liveauction/settlement"
)

// ErrSettlementPending is returned by Close when in-flight admissions did not
// drain in time. The session is Closed and settles once they finish.
var ErrSettlementPending = errors.New("settlement pending")

var errDrainTimeout = errors.New("in-flight admissions did not drain")

// transitions is the complete session state machine. Any (status, op) pair
// missing from the table is an invalid transition.
var transitions = map[core.SessionStatus]map[core.SessionOp]core.SessionStatus{
	core.StatusScheduled: {
		core.OpOpen:   core.StatusOpen,
		core.OpCancel: core.StatusCancelled,
	},
	core.StatusOpen: {
		core.OpClose:  core.StatusClosed,
		core.OpCancel: core.StatusCancelled,
	},
}

// AntiSnipe extends the scheduled end when a bid is admitted within Trigger
// of it. A zero value disables the rule.
type AntiSnipe struct {
	Trigger   time.Duration `json:"trigger"`
	Extension time.Duration `json:"extension"`
}

func (a AntiSnipe) enabled() bool {
	return a.Trigger > 0 && a.Extension > 0
}

// SessionSpec describes a session to register.
type SessionSpec struct {
	ID             string
	ScheduledStart time.Time
	// ScheduledEnd is advisory. Zero means the session is closed manually.
	ScheduledEnd time.Time
	AntiSnipe    AntiSnipe
}

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	ID             string              `json:"id"`
	Status         core.SessionStatus  `json:"status"`
	ScheduledStart time.Time           `json:"scheduled_start"`
	ScheduledEnd   time.Time           `json:"scheduled_end,omitempty"`
	ManualClose    bool                `json:"manual_close"`
	OpenedAt       time.Time           `json:"opened_at,omitempty"`
	ClosedAt       time.Time           `json:"closed_at,omitempty"`
	CancelledAt    time.Time           `json:"cancelled_at,omitempty"`
	CancelReason   string              `json:"cancel_reason,omitempty"`
	Items          []core.ItemSnapshot `json:"items"`
}

// engineEnv is shared by the engine, the registry and every session.
type engineEnv struct {
	cfg        Config
	ledger     *ledger.Ledger
	logger     zerolog.Logger
	onTerminal func(sessionID string, at time.Time)
}

func (env *engineEnv) notify(ctx context.Context, event core.Event) {
	if err := env.cfg.Notifier.Notify(ctx, event); err != nil {
		env.logger.Warn().Err(err).
			Str("event", string(event.EventType())).
			Str("session", event.EventSessionID()).
			Msg("notification failed")
	}
}

// Session is one auction session and its state machine. All methods are safe
// for concurrent use.
type Session struct {
	env       *engineEnv
	id        string
	antiSnipe AntiSnipe

	mu             sync.RWMutex
	status         core.SessionStatus
	scheduledStart time.Time
	scheduledEnd   time.Time
	manualClose    bool
	openedAt       time.Time
	closedAt       time.Time
	cancelledAt    time.Time
	cancelReason   string
	items          []core.SessionItem
	itemIndex      map[string]int
	endingSoonSent bool
	settlements    []core.SettlementIntent

	// inflight counts admissions that passed the accepting check and have
	// not finished. Add is only called under mu.RLock while Open.
	inflight   sync.WaitGroup
	settleOnce sync.Once
}

func newSession(env *engineEnv, spec SessionSpec) *Session {
	return &Session{
		env:            env,
		id:             spec.ID,
		antiSnipe:      spec.AntiSnipe,
		status:         core.StatusScheduled,
		scheduledStart: spec.ScheduledStart,
		scheduledEnd:   spec.ScheduledEnd,
		manualClose:    spec.ScheduledEnd.IsZero(),
		itemIndex:      make(map[string]int),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Status() core.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// ScheduledEnd returns the current scheduled end. ok is false for manual-close sessions.
func (s *Session) ScheduledEnd() (end time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scheduledEnd, !s.manualClose
}

// AddItem assigns item to the session. Items can only be added while Scheduled.
func (s *Session) AddItem(item core.SessionItem) error {
	if item.SessionID == "" {
		item.SessionID = s.id
	}
	if item.SessionID != s.id {
		return fmt.Errorf("%w: item %s belongs to session %s", core.ErrInvalidItem, item.ItemID, item.SessionID)
	}
	if err := s.env.cfg.Currency.ValidateItem(item); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != core.StatusScheduled {
		return fmt.Errorf("session %s is %s: %w", s.id, s.status, core.ErrItemsFrozen)
	}
	if _, exists := s.itemIndex[item.ItemID]; exists {
		return fmt.Errorf("item %s: %w", item.ItemID, core.ErrDuplicateItem)
	}
	s.itemIndex[item.ItemID] = len(s.items)
	s.items = append(s.items, item)
	return nil
}

// Item returns the session item with itemID.
func (s *Session) Item(itemID string) (core.SessionItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.itemIndex[itemID]
	if !ok {
		return core.SessionItem{}, false
	}
	return s.items[idx], true
}

// Items returns the session items in assignment order.
func (s *Session) Items() []core.SessionItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.SessionItem, len(s.items))
	copy(out, s.items)
	return out
}

// IsAcceptingBids reports whether a bid submitted at now may be admitted.
func (s *Session) IsAcceptingBids(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.acceptingLocked(now)
}

func (s *Session) acceptingLocked(now time.Time) bool {
	if s.status != core.StatusOpen {
		return false
	}
	return s.manualClose || now.Before(s.scheduledEnd)
}

// beginAdmission registers an in-flight admission if the session accepts
// bids at now. The returned release must be called when the admission ends.
func (s *Session) beginAdmission(now time.Time) (release func(), ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.acceptingLocked(now) {
		return nil, false
	}
	s.inflight.Add(1)
	return s.inflight.Done, true
}

func (s *Session) transitionLocked(op core.SessionOp) (core.SessionStatus, error) {
	next, ok := transitions[s.status][op]
	if !ok {
		return "", &core.TransitionError{SessionID: s.id, Op: op, From: s.status}
	}
	return next, nil
}

func (s *Session) rejectOp(op core.SessionOp, err error) error {
	s.env.logger.Warn().Err(err).Str("session", s.id).Str("op", string(op)).Msg("session operation rejected")
	return err
}

// Open moves the session from Scheduled to Open and freezes its items.
//
// Opening earlier than OpenGrace before the scheduled start is an invalid
// transition; opening late is allowed.
func (s *Session) Open(ctx context.Context) error {
	now := s.env.cfg.Clock.Now()

	s.mu.Lock()
	next, err := s.transitionLocked(core.OpOpen)
	if err == nil {
		if earliest := s.scheduledStart.Add(-s.env.cfg.OpenGrace); now.Before(earliest) {
			err = &core.TransitionError{
				SessionID: s.id,
				Op:        core.OpOpen,
				From:      s.status,
				Detail:    "too early, may open from " + earliest.Format(time.RFC3339),
			}
		} else if len(s.items) == 0 {
			err = fmt.Errorf("session %s: %w", s.id, core.ErrNoItems)
		}
	}
	if err != nil {
		s.mu.Unlock()
		return s.rejectOp(core.OpOpen, err)
	}
	s.status = next
	s.openedAt = now
	items := len(s.items)
	s.mu.Unlock()

	s.env.logger.Info().Str("session", s.id).Int("items", items).Msg("session opened")
	s.env.notify(ctx, core.SessionOpened{SessionID: s.id, OpenedAt: now})
	return nil
}

// Close moves the session from Open to Closed and settles it.
//
// Bids stop being accepted as soon as the status flips. Close then waits for
// in-flight admissions, bounded by ctx and DrainTimeout. If they drain, the
// session is settled exactly once and the intents are returned. Otherwise
// Close returns ErrSettlementPending and settlement runs once they finish.
func (s *Session) Close(ctx context.Context) ([]core.SettlementIntent, error) {
	now := s.env.cfg.Clock.Now()

	s.mu.Lock()
	next, err := s.transitionLocked(core.OpClose)
	if err != nil {
		s.mu.Unlock()
		return nil, s.rejectOp(core.OpClose, err)
	}
	s.status = next
	s.closedAt = now
	s.mu.Unlock()

	s.env.logger.Info().Str("session", s.id).Msg("session closed, draining admissions")

	drained, err := s.drain(ctx)
	if err != nil {
		settleCtx := context.WithoutCancel(ctx)
		go func() {
			<-drained
			s.settle(settleCtx, now)
		}()
		s.env.logger.Warn().Err(err).Str("session", s.id).Msg("settlement deferred until admissions drain")
		return nil, fmt.Errorf("session %s: %w: %v", s.id, ErrSettlementPending, err)
	}
	return s.settle(ctx, now), nil
}

// Cancel moves a Scheduled or Open session to Cancelled. No settlement is
// produced; admitted bids stay in the ledger.
func (s *Session) Cancel(ctx context.Context, reason string) error {
	now := s.env.cfg.Clock.Now()

	s.mu.Lock()
	next, err := s.transitionLocked(core.OpCancel)
	if err != nil {
		s.mu.Unlock()
		return s.rejectOp(core.OpCancel, err)
	}
	s.status = next
	s.cancelledAt = now
	s.cancelReason = reason
	s.mu.Unlock()

	if _, err := s.drain(ctx); err != nil {
		s.env.logger.Warn().Err(err).Str("session", s.id).Msg("cancelled with admissions still in flight")
	}

	s.env.logger.Info().Str("session", s.id).Str("reason", reason).Msg("session cancelled")
	s.env.notify(ctx, core.SessionCancelled{SessionID: s.id, Reason: reason, CancelledAt: now})
	s.env.onTerminal(s.id, now)
	return nil
}

// drain waits for in-flight admissions. The returned channel is closed once
// they have all finished, even when drain itself gave up.
func (s *Session) drain(ctx context.Context) (<-chan struct{}, error) {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.env.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return done, nil
	case <-ctx.Done():
		return done, ctx.Err()
	case <-timer.C:
		return done, errDrainTimeout
	}
}

// settle runs settlement exactly once on the frozen items of the session.
func (s *Session) settle(ctx context.Context, closedAt time.Time) []core.SettlementIntent {
	s.settleOnce.Do(func() {
		items := s.Items()
		snapshots := make([]core.ItemSnapshot, 0, len(items))
		for _, item := range items {
			snapshots = append(snapshots, s.env.ledger.Snapshot(item))
		}
		intents := settlement.Settle(s.id, snapshots, closedAt)

		s.mu.Lock()
		s.settlements = intents
		s.mu.Unlock()

		sold := 0
		for _, intent := range intents {
			if intent.Sold() {
				sold++
			}
		}
		s.env.logger.Info().Str("session", s.id).Int("items", len(intents)).Int("sold", sold).Msg("session settled")

		batch := core.SettlementBatch{SessionID: s.id, ClosedAt: closedAt, Intents: intents, Snapshots: snapshots}
		if err := s.env.cfg.Settlements.HandOff(ctx, batch); err != nil {
			s.env.logger.Error().Err(err).Str("session", s.id).Msg("settlement hand-off failed")
		}
		s.env.notify(ctx, core.SessionClosed{SessionID: s.id, ClosedAt: closedAt, Settlements: intents})
		s.env.onTerminal(s.id, closedAt)
	})
	intents, _ := s.Settlements()
	return intents
}

// Settlements returns the settlement intents once the session has settled.
func (s *Session) Settlements() ([]core.SettlementIntent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settlements == nil {
		return nil, false
	}
	out := make([]core.SettlementIntent, len(s.settlements))
	copy(out, s.settlements)
	return out, true
}

// extendForBid applies the anti-sniping rule to a bid admitted at.
func (s *Session) extendForBid(at time.Time) (time.Time, bool) {
	if !s.antiSnipe.enabled() {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manualClose || s.status != core.StatusOpen {
		return time.Time{}, false
	}
	remaining := s.scheduledEnd.Sub(at)
	if remaining < 0 || remaining > s.antiSnipe.Trigger {
		return time.Time{}, false
	}
	s.scheduledEnd = s.scheduledEnd.Add(s.antiSnipe.Extension)
	s.endingSoonSent = false
	return s.scheduledEnd, true
}

// DueToOpen reports whether a Scheduled session has reached its start.
func (s *Session) DueToOpen(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == core.StatusScheduled && !now.Before(s.scheduledStart)
}

// DueToClose reports whether an Open session has reached its scheduled end.
func (s *Session) DueToClose(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == core.StatusOpen && !s.manualClose && !now.Before(s.scheduledEnd)
}

// MarkEndingSoon returns the time remaining and true the first time an Open
// session is found within window of its end. An anti-sniping extension
// re-arms it.
func (s *Session) MarkEndingSoon(now time.Time, window time.Duration) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != core.StatusOpen || s.manualClose || s.endingSoonSent {
		return 0, false
	}
	remaining := s.scheduledEnd.Sub(now)
	if remaining <= 0 || remaining > window {
		return 0, false
	}
	s.endingSoonSent = true
	return remaining, true
}

// Info returns a read-only view of the session and its items.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	info := SessionInfo{
		ID:             s.id,
		Status:         s.status,
		ScheduledStart: s.scheduledStart,
		ManualClose:    s.manualClose,
		OpenedAt:       s.openedAt,
		ClosedAt:       s.closedAt,
		CancelledAt:    s.cancelledAt,
		CancelReason:   s.cancelReason,
	}
	if !s.manualClose {
		info.ScheduledEnd = s.scheduledEnd
	}
	items := make([]core.SessionItem, len(s.items))
	copy(items, s.items)
	s.mu.RUnlock()

	info.Items = make([]core.ItemSnapshot, 0, len(items))
	for _, item := range items {
		info.Items = append(info.Items, s.env.ledger.Snapshot(item))
	}
	return info
}
