// Package auction runs auction sessions: their state machine, bid admission
// and settlement at close.
package auction

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudx-io/liveauction/core"
	"github.com/cloudx-io/liveauction/ledger"
)

// Engine admits bids against the sessions of its registry.
type Engine struct {
	env         *engineEnv
	registry    *Registry
	enrollments EnrollmentChecker
}

// New creates an engine. A nil ledger keeps bids in memory only.
func New(cfg Config, l *ledger.Ledger, enrollments EnrollmentChecker) *Engine {
	cfg = cfg.withDefaults()
	if l == nil {
		l = ledger.New(nil, cfg.Logger)
	}
	env := &engineEnv{
		cfg:    cfg,
		ledger: l,
		logger: cfg.Logger.With().Str("component", "auction").Logger(),
	}

	var archivers []SessionArchiver
	if archiver, ok := enrollments.(SessionArchiver); ok {
		archivers = append(archivers, archiver)
	}
	registry := newRegistry(env, archivers...)
	env.onTerminal = registry.scheduleArchive

	return &Engine{env: env, registry: registry, enrollments: enrollments}
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

func (e *Engine) Ledger() *ledger.Ledger {
	return e.env.ledger
}

func (e *Engine) Config() Config {
	return e.env.cfg
}

func (e *Engine) Logger() zerolog.Logger {
	return e.env.logger
}

// CreateSession registers a new Scheduled session.
func (e *Engine) CreateSession(spec SessionSpec) (*Session, error) {
	return e.registry.Create(spec)
}

// Session returns the registered session with id.
func (e *Engine) Session(id string) (*Session, error) {
	sess, ok := e.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, core.ErrSessionNotFound)
	}
	return sess, nil
}

// RestoreSession reloads the persisted bid history of every item of a session.
func (e *Engine) RestoreSession(ctx context.Context, id string) (int, error) {
	sess, err := e.Session(id)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, item := range sess.Items() {
		n, err := e.env.ledger.Restore(ctx, item.Key())
		if err != nil {
			return total, fmt.Errorf("restore session %s: %w", id, err)
		}
		total += n
	}
	return total, nil
}

// PlaceBid admits req or rejects it with a *core.RejectionError.
//
// Checks run in order: session exists, session accepts bids, bidder enrolled,
// item in session, amount meets the minimum next bid, amount is exact in the
// currency's minor unit. Admission is a compare-and-swap on the item's
// sequence; lost races are retried up to MaxConflictRetries times.
func (e *Engine) PlaceBid(ctx context.Context, req core.BidRequest) (core.BidReceipt, error) {
	receipt, err := e.placeBid(ctx, req)
	if err != nil {
		event := e.env.logger.Debug()
		if reason, _ := core.RejectionReasonOf(err); reason == core.ReasonAdmissionFailed {
			event = e.env.logger.Error()
		}
		event.Err(err).
			Str("session", req.SessionID).
			Str("item", req.ItemID).
			Str("bidder", req.BidderID).
			Str("amount", req.Amount.String()).
			Msg("bid rejected")
		return core.BidReceipt{}, err
	}
	return receipt, nil
}

func (e *Engine) placeBid(ctx context.Context, req core.BidRequest) (core.BidReceipt, error) {
	key := req.Key()

	// Step 1: Session lookup
	sess, ok := e.registry.Get(req.SessionID)
	if !ok {
		return core.BidReceipt{}, core.Reject(core.ReasonSessionNotFound, key)
	}

	// Step 2: Session must accept bids; register as in-flight so Close waits for us
	release, ok := sess.beginAdmission(e.env.cfg.Clock.Now())
	if !ok {
		return core.BidReceipt{}, core.Reject(core.ReasonSessionNotOpen, key)
	}
	defer release()

	// Step 3: Enrollment
	enrolled, err := e.enrollments.IsEnrolled(ctx, req.SessionID, req.BidderID)
	if err != nil {
		return core.BidReceipt{}, admissionFailed(key, fmt.Errorf("check enrollment: %w", err))
	}
	if !enrolled {
		return core.BidReceipt{}, core.Reject(core.ReasonNotEnrolled, key)
	}

	// Step 4: Item lookup
	item, ok := sess.Item(req.ItemID)
	if !ok {
		return core.BidReceipt{}, core.Reject(core.ReasonItemNotFound, key)
	}

	// Step 5: Replayed submission
	if existing, ok := e.env.ledger.FindIdempotent(key, req.BidderID, req.IdempotencyKey); ok {
		return e.replayed(item, existing), nil
	}

	// Step 6: Validate against the current head and compare-and-swap
	for attempt := 0; attempt <= e.env.cfg.MaxConflictRetries; attempt++ {
		highest, version := e.env.ledger.Head(key)
		minimum := core.MinimumNextBid(item, highest)
		if !core.BidMeetsMinimum(req.Amount, minimum) {
			return core.BidReceipt{}, core.RejectTooLow(key, minimum)
		}
		if !e.env.cfg.Currency.ValidAmount(req.Amount) {
			return core.BidReceipt{}, core.Reject(core.ReasonInvalidAmount, key)
		}

		bid := core.Bid{
			ID:             uuid.NewString(),
			SessionID:      req.SessionID,
			ItemID:         req.ItemID,
			Seq:            version + 1,
			BidderID:       req.BidderID,
			Amount:         req.Amount,
			AdmittedAt:     e.env.cfg.Clock.Now(),
			IdempotencyKey: req.IdempotencyKey,
		}

		admitted, err := e.env.ledger.Append(ctx, bid)
		switch {
		case err == nil:
			return e.admitted(ctx, sess, item, admitted), nil
		case errors.Is(err, ledger.ErrDuplicate):
			return e.replayed(item, admitted), nil
		case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrNotIncreasing):
			e.env.logger.Debug().Str("item", key.String()).Int("attempt", attempt+1).Msg("lost sequence race, retrying")
		default:
			return core.BidReceipt{}, admissionFailed(key, err)
		}
	}

	highest, _ := e.env.ledger.Head(key)
	return core.BidReceipt{}, core.RejectTooLow(key, core.MinimumNextBid(item, highest))
}

func (e *Engine) admitted(ctx context.Context, sess *Session, item core.SessionItem, bid core.Bid) core.BidReceipt {
	if end, extended := sess.extendForBid(bid.AdmittedAt); extended {
		e.env.logger.Info().Str("session", sess.ID()).Time("scheduled_end", end).Msg("scheduled end extended by late bid")
	}

	e.env.logger.Info().
		Str("item", bid.Key().String()).
		Uint64("seq", bid.Seq).
		Str("bidder", bid.BidderID).
		Str("amount", bid.Amount.String()).
		Msg("bid admitted")

	e.env.notify(ctx, core.BidPlaced{
		SessionID: bid.SessionID,
		ItemID:    bid.ItemID,
		BidderID:  bid.BidderID,
		Amount:    bid.Amount,
		Seq:       bid.Seq,
		At:        bid.AdmittedAt,
	})
	return receiptFor(item, bid, false)
}

func receiptFor(item core.SessionItem, bid core.Bid, duplicate bool) core.BidReceipt {
	return core.BidReceipt{
		Bid:         bid,
		Highest:     bid.Amount,
		NextMinimum: core.MinimumNextBid(item, &bid),
		Duplicate:   duplicate,
	}
}

// replayed answers a repeated idempotency key with the original bid and the
// item's current head, which may have moved past it.
func (e *Engine) replayed(item core.SessionItem, bid core.Bid) core.BidReceipt {
	receipt := receiptFor(item, bid, true)
	if highest, _ := e.env.ledger.Head(item.Key()); highest != nil {
		receipt.Highest = highest.Amount
		receipt.NextMinimum = core.MinimumNextBid(item, highest)
	}
	return receipt
}

func admissionFailed(key core.ItemKey, err error) *core.RejectionError {
	return &core.RejectionError{Reason: core.ReasonAdmissionFailed, Key: key, Err: err}
}
