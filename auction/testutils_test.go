package auction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/liveauction/core"
	"github.com/cloudx-io/liveauction/ledger"
)

var testStart = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []core.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, event core.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) ofType(t core.EventType) []core.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []core.Event
	for _, e := range n.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingSink struct {
	mu      sync.Mutex
	batches []core.SettlementBatch
}

func (s *recordingSink) HandOff(_ context.Context, batch core.SettlementBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

type failingPersister struct{}

func (failingPersister) AppendBid(context.Context, core.Bid) error {
	return errors.New("storage unavailable")
}

func (failingPersister) LoadBids(context.Context, core.ItemKey) ([]core.Bid, error) {
	return nil, nil
}

// lostReplyPersister stores the next append but reports an error, as when a
// write commits and its reply is lost.
type lostReplyPersister struct {
	*ledger.MemoryPersister
	mu       sync.Mutex
	loseNext bool
}

func (p *lostReplyPersister) AppendBid(ctx context.Context, bid core.Bid) error {
	if err := p.MemoryPersister.AppendBid(ctx, bid); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loseNext {
		p.loseNext = false
		return errors.New("i/o timeout")
	}
	return nil
}

// testHarness wires an engine with recording collaborators and a fake clock.
type testHarness struct {
	engine      *Engine
	clock       *fakeClock
	notifier    *recordingNotifier
	sink        *recordingSink
	enrollments *EnrollmentBook
}

func newHarness(t *testing.T, mutate ...func(*Config)) *testHarness {
	t.Helper()
	return newHarnessWithLedger(t, nil, mutate...)
}

func newHarnessWithLedger(t *testing.T, l *ledger.Ledger, mutate ...func(*Config)) *testHarness {
	t.Helper()
	logger := zerolog.Nop()
	h := &testHarness{
		clock:       newFakeClock(testStart),
		notifier:    &recordingNotifier{},
		sink:        &recordingSink{},
		enrollments: NewEnrollmentBook(),
	}
	cfg := DefaultConfig()
	cfg.Clock = h.clock
	cfg.Notifier = h.notifier
	cfg.Settlements = h.sink
	cfg.Logger = &logger
	for _, m := range mutate {
		m(&cfg)
	}
	h.engine = New(cfg, l, h.enrollments)
	return h
}

func testItem(itemID string) core.SessionItem {
	return core.SessionItem{
		ItemID:        itemID,
		StartingPrice: decimal.NewFromInt(100),
		StepPrice:     decimal.NewFromInt(10),
	}
}

// openSession creates a session ending one hour after testStart, assigns
// items, enrolls bidders and opens it.
func (h *testHarness) openSession(t *testing.T, id string, items []string, bidders ...string) *Session {
	t.Helper()
	sess := h.scheduleSession(t, id, items, bidders...)
	assert.NoError(t, sess.Open(context.Background()))
	return sess
}

func (h *testHarness) scheduleSession(t *testing.T, id string, items []string, bidders ...string) *Session {
	t.Helper()
	sess, err := h.engine.CreateSession(SessionSpec{
		ID:             id,
		ScheduledStart: testStart,
		ScheduledEnd:   testStart.Add(time.Hour),
	})
	assert.NoError(t, err)
	for _, itemID := range items {
		assert.NoError(t, sess.AddItem(testItem(itemID)))
	}
	for _, bidder := range bidders {
		h.enrollments.Enroll(id, bidder, testStart)
	}
	return sess
}

func (h *testHarness) bid(sessionID, itemID, bidder, amount string) (core.BidReceipt, error) {
	return h.engine.PlaceBid(context.Background(), core.BidRequest{
		SessionID: sessionID,
		ItemID:    itemID,
		BidderID:  bidder,
		Amount:    decimal.RequireFromString(amount),
	})
}

func rejectionOf(t *testing.T, err error) *core.RejectionError {
	t.Helper()
	var rej *core.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected *core.RejectionError, got %v", err)
	}
	return rej
}
