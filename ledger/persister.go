package ledger

import (
	"context"
	"sync"

	"github.com/cloudx-io/liveauction/core"
)

// Persister durably records admitted bids. AppendBid must be atomic: either
// the bid is stored and later returned by LoadBids, or an error is returned
// and nothing is stored.
//
// Implementations must reject a bid whose Seq is not exactly one past the
// last stored bid of its item with ErrConflict.
type Persister interface {
	AppendBid(ctx context.Context, bid core.Bid) error
	LoadBids(ctx context.Context, key core.ItemKey) ([]core.Bid, error)
}

// MemoryPersister keeps bids in process memory. It is the default persister
// and is used by tests.
type MemoryPersister struct {
	mu   sync.Mutex
	bids map[core.ItemKey][]core.Bid
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{bids: make(map[core.ItemKey][]core.Bid)}
}

func (p *MemoryPersister) AppendBid(ctx context.Context, bid core.Bid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	key := bid.Key()
	if uint64(len(p.bids[key]))+1 != bid.Seq {
		return ErrConflict
	}
	p.bids[key] = append(p.bids[key], bid)
	return nil
}

func (p *MemoryPersister) LoadBids(ctx context.Context, key core.ItemKey) ([]core.Bid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	stored := p.bids[key]
	out := make([]core.Bid, len(stored))
	copy(out, stored)
	return out, nil
}

var _ Persister = (*MemoryPersister)(nil)
