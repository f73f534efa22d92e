package auction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/cloudx-io/liveauction/core"
	"github.com/cloudx-io/liveauction/ledger"
)

func TestPlaceBid_PriceProgression(t *testing.T) {
	h := newHarness(t)
	h.openSession(t, "s1", []string{"a"}, "bidder_a", "bidder_b")

	// Starting price 100, step 10: the first bid must reach 110
	_, err := h.bid("s1", "a", "bidder_a", "105")
	rej := rejectionOf(t, err)
	check.Equal(t, core.ReasonBidTooLow, rej.Reason)
	check.True(t, decimal.NewFromInt(110).Equal(rej.MinimumAcceptable))

	receipt, err := h.bid("s1", "a", "bidder_a", "110")
	assert.NoError(t, err)
	check.Equal(t, uint64(1), receipt.Bid.Seq)
	check.True(t, decimal.NewFromInt(110).Equal(receipt.Highest))
	check.True(t, decimal.NewFromInt(120).Equal(receipt.NextMinimum))
	check.False(t, receipt.Duplicate)

	_, err = h.bid("s1", "a", "bidder_b", "115")
	rej = rejectionOf(t, err)
	check.Equal(t, core.ReasonBidTooLow, rej.Reason)
	check.True(t, decimal.NewFromInt(120).Equal(rej.MinimumAcceptable))

	receipt, err = h.bid("s1", "a", "bidder_b", "120")
	assert.NoError(t, err)
	check.Equal(t, uint64(2), receipt.Bid.Seq)

	highest, ok := h.engine.Ledger().HighestBid(core.ItemKey{SessionID: "s1", ItemID: "a"})
	check.True(t, ok)
	check.Equal(t, "bidder_b", highest.BidderID)

	placed := h.notifier.ofType(core.EventBidPlaced)
	check.Equal(t, 2, len(placed))
}

func TestPlaceBid_ConcurrentProgression(t *testing.T) {
	h := newHarness(t)
	h.openSession(t, "s1", []string{"a"}, "bidder_a", "bidder_b", "bidder_c")
	key := core.ItemKey{SessionID: "s1", ItemID: "a"}

	_, err := h.bid("s1", "a", "bidder_a", "110")
	assert.NoError(t, err)

	var errB, errC error
	var g errgroup.Group
	g.Go(func() error {
		_, errB = h.bid("s1", "a", "bidder_b", "115")
		return nil
	})
	g.Go(func() error {
		_, errC = h.bid("s1", "a", "bidder_c", "120")
		return nil
	})
	assert.NoError(t, g.Wait())

	check.NoError(t, errC)
	rej := rejectionOf(t, errB)
	check.Equal(t, core.ReasonBidTooLow, rej.Reason)
	// 120 when B is judged against A's head, 130 when C landed first.
	check.True(t, decimal.NewFromInt(120).Equal(rej.MinimumAcceptable) || decimal.NewFromInt(130).Equal(rej.MinimumAcceptable))

	highest, ok := h.engine.Ledger().HighestBid(key)
	assert.True(t, ok)
	check.Equal(t, "bidder_c", highest.BidderID)
	check.True(t, decimal.NewFromInt(120).Equal(highest.Amount))
	check.Equal(t, uint64(2), h.engine.Ledger().Version(key))
}

func TestPlaceBid_RejectionOrder(t *testing.T) {
	h := newHarness(t)
	h.openSession(t, "open", []string{"a"}, "bidder_a")
	h.scheduleSession(t, "scheduled", []string{"a"}, "bidder_a")

	tests := []struct {
		name    string
		session string
		item    string
		bidder  string
		amount  string
		want    core.RejectionReason
	}{
		{"unknown session", "missing", "a", "bidder_a", "110", core.ReasonSessionNotFound},
		{"scheduled session", "scheduled", "a", "bidder_a", "110", core.ReasonSessionNotOpen},
		{"not open beats not enrolled", "scheduled", "a", "stranger", "110", core.ReasonSessionNotOpen},
		{"not enrolled", "open", "a", "stranger", "110", core.ReasonNotEnrolled},
		{"not enrolled beats unknown item", "open", "zzz", "stranger", "110", core.ReasonNotEnrolled},
		{"unknown item", "open", "zzz", "bidder_a", "110", core.ReasonItemNotFound},
		{"too low", "open", "a", "bidder_a", "100", core.ReasonBidTooLow},
		{"negative amount is too low", "open", "a", "bidder_a", "-5", core.ReasonBidTooLow},
		{"sub-cent amount", "open", "a", "bidder_a", "110.005", core.ReasonInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.bid(tt.session, tt.item, tt.bidder, tt.amount)
			check.Equal(t, tt.want, rejectionOf(t, err).Reason)
		})
	}

	check.Equal(t, 0, len(h.engine.Ledger().History(core.ItemKey{SessionID: "open", ItemID: "a"})))
}

func TestPlaceBid_NotEnrolledLeavesLedgerUnchanged(t *testing.T) {
	h := newHarness(t)
	h.openSession(t, "s1", []string{"a"}, "bidder_a")
	key := core.ItemKey{SessionID: "s1", ItemID: "a"}

	_, err := h.bid("s1", "a", "bidder_a", "110")
	assert.NoError(t, err)
	digest := h.engine.Ledger().Digest(key)

	_, err = h.bid("s1", "a", "stranger", "500")
	check.Equal(t, core.ReasonNotEnrolled, rejectionOf(t, err).Reason)
	check.Equal(t, uint64(1), h.engine.Ledger().Version(key))
	check.Equal(t, digest, h.engine.Ledger().Digest(key))
	check.Equal(t, 1, len(h.notifier.ofType(core.EventBidPlaced)))
}

func TestPlaceBid_SessionNotOpenInEveryOtherState(t *testing.T) {
	ctx := context.Background()

	t.Run("scheduled", func(t *testing.T) {
		h := newHarness(t)
		h.scheduleSession(t, "s1", []string{"a"}, "bidder_a")
		_, err := h.bid("s1", "a", "bidder_a", "110")
		check.Equal(t, core.ReasonSessionNotOpen, rejectionOf(t, err).Reason)
	})

	t.Run("closed", func(t *testing.T) {
		h := newHarness(t)
		sess := h.openSession(t, "s1", []string{"a"}, "bidder_a")
		_, err := sess.Close(ctx)
		assert.NoError(t, err)
		_, err = h.bid("s1", "a", "bidder_a", "110")
		check.Equal(t, core.ReasonSessionNotOpen, rejectionOf(t, err).Reason)
	})

	t.Run("cancelled", func(t *testing.T) {
		h := newHarness(t)
		sess := h.openSession(t, "s1", []string{"a"}, "bidder_a")
		assert.NoError(t, sess.Cancel(ctx, "test"))
		_, err := h.bid("s1", "a", "bidder_a", "110")
		check.Equal(t, core.ReasonSessionNotOpen, rejectionOf(t, err).Reason)
	})

	t.Run("past scheduled end", func(t *testing.T) {
		h := newHarness(t)
		h.openSession(t, "s1", []string{"a"}, "bidder_a")
		h.clock.Advance(time.Hour)
		_, err := h.bid("s1", "a", "bidder_a", "110")
		check.Equal(t, core.ReasonSessionNotOpen, rejectionOf(t, err).Reason)
	})
}

func TestPlaceBid_ConcurrentEqualBidsAdmitOne(t *testing.T) {
	h := newHarness(t)
	const bidders = 50
	names := make([]string, bidders)
	for i := range names {
		names[i] = fmt.Sprintf("bidder_%02d", i)
	}
	h.openSession(t, "s1", []string{"a"}, names...)

	var mu sync.Mutex
	admitted := 0
	tooLow := 0

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			_, err := h.bid("s1", "a", name, "110")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
				return nil
			}
			if reason, _ := core.RejectionReasonOf(err); reason == core.ReasonBidTooLow {
				tooLow++
				return nil
			}
			return err
		})
	}
	assert.NoError(t, g.Wait())

	check.Equal(t, 1, admitted)
	check.Equal(t, bidders-1, tooLow)
	check.Equal(t, 1, len(h.engine.Ledger().History(core.ItemKey{SessionID: "s1", ItemID: "a"})))
}

func TestPlaceBid_ConcurrentHistoryStrictlyIncreasing(t *testing.T) {
	h := newHarness(t)
	const bidders = 20
	names := make([]string, bidders)
	for i := range names {
		names[i] = fmt.Sprintf("bidder_%02d", i)
	}
	h.openSession(t, "s1", []string{"a", "b"}, names...)

	var g errgroup.Group
	for i, name := range names {
		for _, itemID := range []string{"a", "b"} {
			g.Go(func() error {
				// Each bidder tries a ladder of amounts; rejections are expected
				for step := 1; step <= 10; step++ {
					amount := fmt.Sprintf("%d", 100+step*10*(i%3+1))
					_, err := h.bid("s1", itemID, name, amount)
					if err != nil {
						if _, ok := core.RejectionReasonOf(err); !ok {
							return err
						}
					}
				}
				return nil
			})
		}
	}
	assert.NoError(t, g.Wait())

	for _, itemID := range []string{"a", "b"} {
		history := h.engine.Ledger().History(core.ItemKey{SessionID: "s1", ItemID: itemID})
		check.True(t, len(history) > 0)
		for i, bid := range history {
			check.Equal(t, uint64(i+1), bid.Seq)
			if i > 0 {
				step := history[i-1].Amount.Add(decimal.NewFromInt(10))
				check.True(t, bid.Amount.GreaterThanOrEqual(step))
				check.False(t, bid.AdmittedAt.Before(history[i-1].AdmittedAt))
			}
		}
	}
}

func TestPlaceBid_Idempotency(t *testing.T) {
	h := newHarness(t)
	h.openSession(t, "s1", []string{"a"}, "bidder_a")
	req := core.BidRequest{
		SessionID:      "s1",
		ItemID:         "a",
		BidderID:       "bidder_a",
		Amount:         decimal.NewFromInt(110),
		IdempotencyKey: "client-req-1",
	}

	first, err := h.engine.PlaceBid(context.Background(), req)
	assert.NoError(t, err)
	check.False(t, first.Duplicate)

	second, err := h.engine.PlaceBid(context.Background(), req)
	assert.NoError(t, err)
	check.True(t, second.Duplicate)
	check.Equal(t, first.Bid.ID, second.Bid.ID)
	check.Equal(t, uint64(1), h.engine.Ledger().Version(req.Key()))
	check.Equal(t, 1, len(h.notifier.ofType(core.EventBidPlaced)))
}

func TestPlaceBid_IdempotentReplayReportsCurrentHead(t *testing.T) {
	h := newHarness(t)
	h.openSession(t, "s1", []string{"a"}, "bidder_a", "bidder_b")
	req := core.BidRequest{
		SessionID:      "s1",
		ItemID:         "a",
		BidderID:       "bidder_a",
		Amount:         decimal.NewFromInt(110),
		IdempotencyKey: "client-req-1",
	}

	first, err := h.engine.PlaceBid(context.Background(), req)
	assert.NoError(t, err)
	_, err = h.bid("s1", "a", "bidder_b", "150")
	assert.NoError(t, err)

	replay, err := h.engine.PlaceBid(context.Background(), req)
	assert.NoError(t, err)
	check.True(t, replay.Duplicate)
	check.Equal(t, first.Bid.ID, replay.Bid.ID)
	check.True(t, decimal.NewFromInt(110).Equal(replay.Bid.Amount))
	check.True(t, decimal.NewFromInt(150).Equal(replay.Highest))
	check.True(t, decimal.NewFromInt(160).Equal(replay.NextMinimum))
}

func TestPlaceBid_PersistenceFailure(t *testing.T) {
	logger := zerolog.Nop()
	h := newHarnessWithLedger(t, ledger.New(failingPersister{}, &logger))
	h.openSession(t, "s1", []string{"a"}, "bidder_a")

	_, err := h.bid("s1", "a", "bidder_a", "110")
	rej := rejectionOf(t, err)
	check.Equal(t, core.ReasonAdmissionFailed, rej.Reason)
	check.True(t, rej.Reason.Retryable())
	check.NotNil(t, rej.Err)
	check.Equal(t, uint64(0), h.engine.Ledger().Version(core.ItemKey{SessionID: "s1", ItemID: "a"}))
	check.Equal(t, 0, len(h.notifier.ofType(core.EventBidPlaced)))
}

func TestPlaceBid_RecoversAfterUnacknowledgedWrite(t *testing.T) {
	logger := zerolog.Nop()
	persister := &lostReplyPersister{MemoryPersister: ledger.NewMemoryPersister(), loseNext: true}
	h := newHarnessWithLedger(t, ledger.New(persister, &logger))
	h.openSession(t, "s1", []string{"a"}, "bidder_a", "bidder_b")
	key := core.ItemKey{SessionID: "s1", ItemID: "a"}

	// Stored, but the caller only sees the error.
	_, err := h.bid("s1", "a", "bidder_a", "110")
	check.Equal(t, core.ReasonAdmissionFailed, rejectionOf(t, err).Reason)

	receipt, err := h.bid("s1", "a", "bidder_b", "1000")
	assert.NoError(t, err)
	check.Equal(t, uint64(2), receipt.Bid.Seq)
	check.Equal(t, 2, len(h.engine.Ledger().History(key)))

	_, err = h.bid("s1", "a", "bidder_a", "1005")
	rej := rejectionOf(t, err)
	check.Equal(t, core.ReasonBidTooLow, rej.Reason)
	check.True(t, decimal.NewFromInt(1010).Equal(rej.MinimumAcceptable))
}

func TestPlaceBid_NotifierFailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("broker down")
	h.openSession(t, "s1", []string{"a"}, "bidder_a")

	_, err := h.bid("s1", "a", "bidder_a", "110")
	assert.NoError(t, err)
	check.Equal(t, uint64(1), h.engine.Ledger().Version(core.ItemKey{SessionID: "s1", ItemID: "a"}))
}

func TestPlaceBid_AntiSnipeExtendsEnd(t *testing.T) {
	h := newHarness(t)
	end := testStart.Add(time.Hour)
	sess, err := h.engine.CreateSession(SessionSpec{
		ID:             "s1",
		ScheduledStart: testStart,
		ScheduledEnd:   end,
		AntiSnipe:      AntiSnipe{Trigger: 2 * time.Minute, Extension: 5 * time.Minute},
	})
	assert.NoError(t, err)
	assert.NoError(t, sess.AddItem(testItem("a")))
	h.enrollments.Enroll("s1", "bidder_a", testStart)
	assert.NoError(t, sess.Open(context.Background()))

	// Outside the trigger window: no extension
	h.clock.Set(end.Add(-10 * time.Minute))
	_, err = h.bid("s1", "a", "bidder_a", "110")
	assert.NoError(t, err)
	got, _ := sess.ScheduledEnd()
	check.Equal(t, end, got)

	// Inside the trigger window: end moves out
	h.clock.Set(end.Add(-time.Minute))
	_, err = h.bid("s1", "a", "bidder_a", "120")
	assert.NoError(t, err)
	got, _ = sess.ScheduledEnd()
	check.Equal(t, end.Add(5*time.Minute), got)

	h.clock.Set(end.Add(time.Minute))
	check.True(t, sess.IsAcceptingBids(h.clock.Now()))
}

func TestEngine_RestoreSession(t *testing.T) {
	persister := ledger.NewMemoryPersister()
	logger := zerolog.Nop()
	h := newHarnessWithLedger(t, ledger.New(persister, &logger))
	h.openSession(t, "s1", []string{"a"}, "bidder_a", "bidder_b")
	_, err := h.bid("s1", "a", "bidder_a", "110")
	assert.NoError(t, err)
	_, err = h.bid("s1", "a", "bidder_b", "130")
	assert.NoError(t, err)
	key := core.ItemKey{SessionID: "s1", ItemID: "a"}
	digest := h.engine.Ledger().Digest(key)

	// A fresh engine over the same persister replays the same history
	restored := newHarnessWithLedger(t, ledger.New(persister, &logger))
	restored.openSession(t, "s1", []string{"a"}, "bidder_a")
	n, err := restored.engine.RestoreSession(context.Background(), "s1")
	assert.NoError(t, err)
	check.Equal(t, 2, n)
	check.Equal(t, digest, restored.engine.Ledger().Digest(key))

	_, err = restored.bid("s1", "a", "bidder_a", "135")
	check.Equal(t, core.ReasonBidTooLow, rejectionOf(t, err).Reason)
	_, err = restored.bid("s1", "a", "bidder_a", "140")
	assert.NoError(t, err)

	_, err = restored.engine.RestoreSession(context.Background(), "missing")
	check.True(t, errors.Is(err, core.ErrSessionNotFound))
}
