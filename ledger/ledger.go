// Package ledger holds the append-only bid history of every SessionItem.
//
// Each item is guarded by its own mutex. Appends are compare-and-swap on the
// item's sequence number: the caller states the sequence it expects to
// write, and the append fails with ErrConflict if another bid got there first.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cloudx-io/liveauction/core"
)

var (
	// ErrConflict means the item's sequence moved since the caller read it.
	ErrConflict = errors.New("ledger: sequence conflict")
	// ErrDuplicate means the bidder already placed a bid with the same idempotency key.
	ErrDuplicate = errors.New("ledger: duplicate idempotency key")
	// ErrNotIncreasing means the amount does not exceed the current highest bid.
	ErrNotIncreasing = errors.New("ledger: amount does not exceed highest bid")
	// ErrCorruptHistory means a persisted history is not a gapless increasing sequence.
	ErrCorruptHistory = errors.New("ledger: corrupt history")
)

type itemLedger struct {
	mu     sync.Mutex
	bids   []core.Bid
	idem   map[string]int
	digest string
}

func newItemLedger() *itemLedger {
	return &itemLedger{idem: make(map[string]int), digest: core.EmptyHistoryDigest}
}

func idemKey(bidderID, key string) string {
	return bidderID + "\x00" + key
}

func (il *itemLedger) highest() *core.Bid {
	if len(il.bids) == 0 {
		return nil
	}
	b := il.bids[len(il.bids)-1]
	return &b
}

func (il *itemLedger) push(bid core.Bid) {
	il.bids = append(il.bids, bid)
	if bid.IdempotencyKey != "" {
		il.idem[idemKey(bid.BidderID, bid.IdempotencyKey)] = len(il.bids) - 1
	}
	il.digest = core.ChainDigest(il.digest, bid)
}

// Ledger is the in-memory view of all bid histories, backed by a Persister.
type Ledger struct {
	mu        sync.RWMutex
	items     map[core.ItemKey]*itemLedger
	persister Persister
	logger    zerolog.Logger
}

// New creates a ledger. A nil persister keeps bids in memory only.
func New(persister Persister, logger *zerolog.Logger) *Ledger {
	if persister == nil {
		persister = NewMemoryPersister()
	}
	l := &Ledger{
		items:     make(map[core.ItemKey]*itemLedger),
		persister: persister,
		logger:    log.Logger,
	}
	if logger != nil {
		l.logger = *logger
	}
	return l
}

func (l *Ledger) item(key core.ItemKey) *itemLedger {
	l.mu.RLock()
	il, ok := l.items[key]
	l.mu.RUnlock()
	if ok {
		return il
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if il, ok = l.items[key]; !ok {
		il = newItemLedger()
		l.items[key] = il
	}
	return il
}

func (l *Ledger) lookup(key core.ItemKey) (*itemLedger, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	il, ok := l.items[key]
	return il, ok
}

// Head returns the highest bid (nil when none) and the sequence number of the
// last admitted bid, read atomically.
func (l *Ledger) Head(key core.ItemKey) (*core.Bid, uint64) {
	il, ok := l.lookup(key)
	if !ok {
		return nil, 0
	}
	il.mu.Lock()
	defer il.mu.Unlock()
	return il.highest(), uint64(len(il.bids))
}

// HighestBid returns the most recent admitted bid for key.
func (l *Ledger) HighestBid(key core.ItemKey) (core.Bid, bool) {
	highest, _ := l.Head(key)
	if highest == nil {
		return core.Bid{}, false
	}
	return *highest, true
}

// Version returns the sequence number of the last admitted bid, 0 when none.
func (l *Ledger) Version(key core.ItemKey) uint64 {
	_, seq := l.Head(key)
	return seq
}

// History returns a copy of all admitted bids for key, oldest first.
func (l *Ledger) History(key core.ItemKey) []core.Bid {
	il, ok := l.lookup(key)
	if !ok {
		return []core.Bid{}
	}
	il.mu.Lock()
	defer il.mu.Unlock()
	out := make([]core.Bid, len(il.bids))
	copy(out, il.bids)
	return out
}

// Digest returns the hash chain over the item's history.
func (l *Ledger) Digest(key core.ItemKey) string {
	il, ok := l.lookup(key)
	if !ok {
		return core.EmptyHistoryDigest
	}
	il.mu.Lock()
	defer il.mu.Unlock()
	return il.digest
}

// Snapshot captures item together with its current ledger state.
func (l *Ledger) Snapshot(item core.SessionItem) core.ItemSnapshot {
	snap := core.ItemSnapshot{Item: item, Digest: core.EmptyHistoryDigest}
	il, ok := l.lookup(item.Key())
	if !ok {
		return snap
	}
	il.mu.Lock()
	defer il.mu.Unlock()
	snap.Highest = il.highest()
	snap.BidCount = len(il.bids)
	snap.Digest = il.digest
	return snap
}

// FindIdempotent returns the bid the bidder already placed with idempotencyKey.
func (l *Ledger) FindIdempotent(key core.ItemKey, bidderID, idempotencyKey string) (core.Bid, bool) {
	if idempotencyKey == "" {
		return core.Bid{}, false
	}
	il, ok := l.lookup(key)
	if !ok {
		return core.Bid{}, false
	}
	il.mu.Lock()
	defer il.mu.Unlock()
	idx, ok := il.idem[idemKey(bidderID, idempotencyKey)]
	if !ok {
		return core.Bid{}, false
	}
	return il.bids[idx], true
}

// Append admits bid under the item's mutex. bid.Seq is the expected sequence
// number and must be exactly one past the current version.
//
// When the bidder already used bid.IdempotencyKey on this item, the existing
// bid is returned together with ErrDuplicate and nothing is appended.
//
// The bid is persisted before it becomes visible. On a persistence error the
// ledger is unchanged.
func (l *Ledger) Append(ctx context.Context, bid core.Bid) (core.Bid, error) {
	key := bid.Key()
	il := l.item(key)

	il.mu.Lock()
	defer il.mu.Unlock()

	if bid.IdempotencyKey != "" {
		if idx, ok := il.idem[idemKey(bid.BidderID, bid.IdempotencyKey)]; ok {
			return il.bids[idx], ErrDuplicate
		}
	}

	if bid.Seq != uint64(len(il.bids))+1 {
		return core.Bid{}, ErrConflict
	}
	if highest := il.highest(); highest != nil {
		if !bid.Amount.GreaterThan(highest.Amount) {
			return core.Bid{}, ErrNotIncreasing
		}
		if bid.AdmittedAt.Before(highest.AdmittedAt) {
			// Clock moved backwards; keep admitted-at non-decreasing.
			bid.AdmittedAt = highest.AdmittedAt
		}
	}

	if err := l.persister.AppendBid(ctx, bid); err != nil {
		if errors.Is(err, ErrConflict) {
			// Appends are serialised by il.mu, so the store holds bids this
			// view never saw. Resync and let the caller retry on the real head.
			l.logger.Warn().Str("item", key.String()).Uint64("seq", bid.Seq).Msg("persister sequence conflict, resyncing item")
			if err := l.resync(ctx, key, il); err != nil {
				return core.Bid{}, err
			}
			return core.Bid{}, ErrConflict
		}
		return core.Bid{}, fmt.Errorf("persist bid %s: %w", bid.ID, err)
	}

	il.push(bid)
	return bid, nil
}

// Restore replaces the in-memory history of key with the persisted one.
func (l *Ledger) Restore(ctx context.Context, key core.ItemKey) (int, error) {
	il := l.item(key)
	il.mu.Lock()
	defer il.mu.Unlock()

	if err := l.resync(ctx, key, il); err != nil {
		return 0, err
	}
	l.logger.Info().Str("item", key.String()).Int("bids", len(il.bids)).Msg("restored bid history")
	return len(il.bids), nil
}

// resync reloads il from the persister. il.mu must be held. On error il is
// unchanged.
func (l *Ledger) resync(ctx context.Context, key core.ItemKey, il *itemLedger) error {
	bids, err := l.persister.LoadBids(ctx, key)
	if err != nil {
		return fmt.Errorf("load bids for %s: %w", key, err)
	}

	fresh := newItemLedger()
	for i, bid := range bids {
		if bid.Seq != uint64(i)+1 {
			return fmt.Errorf("%w: %s has seq %d at position %d", ErrCorruptHistory, key, bid.Seq, i+1)
		}
		if prev := fresh.highest(); prev != nil && !bid.Amount.GreaterThan(prev.Amount) {
			return fmt.Errorf("%w: %s seq %d does not increase amount", ErrCorruptHistory, key, bid.Seq)
		}
		fresh.push(bid)
	}

	il.bids, il.idem, il.digest = fresh.bids, fresh.idem, fresh.digest
	return nil
}

// Drop evicts every item of sessionID from memory. Persisted bids are kept.
func (l *Ledger) Drop(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	dropped := 0
	for key := range l.items {
		if key.SessionID == sessionID {
			delete(l.items, key)
			dropped++
		}
	}
	return dropped
}
