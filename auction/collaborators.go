package auction

import (
	"context"
	"sync"
	"time"

	"github.com/cloudx-io/liveauction/core"
)

// Notifier delivers engine events. Delivery is fire-and-forget: errors are
// logged and never undo the operation that produced the event.
type Notifier interface {
	Notify(ctx context.Context, event core.Event) error
}

// SettlementSink receives the settlement intents of a closed session exactly once.
type SettlementSink interface {
	HandOff(ctx context.Context, batch core.SettlementBatch) error
}

// EnrollmentChecker answers whether a bidder may bid in a session.
type EnrollmentChecker interface {
	IsEnrolled(ctx context.Context, sessionID, bidderID string) (bool, error)
}

// SessionArchiver is implemented by collaborators that keep per-session state
// which must be released when the session is evicted.
type SessionArchiver interface {
	ArchiveSession(sessionID string)
}

type discardNotifier struct{}

func (discardNotifier) Notify(context.Context, core.Event) error { return nil }

type discardSink struct{}

func (discardSink) HandOff(context.Context, core.SettlementBatch) error { return nil }

// EnrollmentBook is an in-process EnrollmentChecker.
type EnrollmentBook struct {
	mu       sync.RWMutex
	sessions map[string]map[string]core.Enrollment
}

func NewEnrollmentBook() *EnrollmentBook {
	return &EnrollmentBook{sessions: make(map[string]map[string]core.Enrollment)}
}

// Enroll records that bidderID may bid in sessionID. Enrolling twice keeps
// the first enrollment.
func (b *EnrollmentBook) Enroll(sessionID, bidderID string, at time.Time) core.Enrollment {
	b.mu.Lock()
	defer b.mu.Unlock()

	bidders, ok := b.sessions[sessionID]
	if !ok {
		bidders = make(map[string]core.Enrollment)
		b.sessions[sessionID] = bidders
	}
	if existing, ok := bidders[bidderID]; ok {
		return existing
	}
	enrollment := core.Enrollment{SessionID: sessionID, BidderID: bidderID, EnrolledAt: at}
	bidders[bidderID] = enrollment
	return enrollment
}

func (b *EnrollmentBook) IsEnrolled(_ context.Context, sessionID, bidderID string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.sessions[sessionID][bidderID]
	return ok, nil
}

// Enrollments returns the number of bidders enrolled in sessionID.
func (b *EnrollmentBook) Enrollments(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[sessionID])
}

// ArchiveSession removes every enrollment of sessionID.
func (b *EnrollmentBook) ArchiveSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

var (
	_ EnrollmentChecker = (*EnrollmentBook)(nil)
	_ SessionArchiver   = (*EnrollmentBook)(nil)
)
