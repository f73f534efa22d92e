// Package settlement determines the outcome of every item of a closed
// session and produces signed settlement documents for the payment side.
package settlement

import (
	"time"

	"github.com/cloudx-io/liveauction/core"
)

// Settle returns one SettlementIntent per snapshot, in the order given.
//
// The highest admitted bid wins. An item without bids is unsold with
// UnsoldNoBids; an item whose highest bid is below its reserve price is
// unsold with UnsoldReserveNotMet.
//
// Settle is pure: the same snapshots and settledAt always yield the same intents.
func Settle(sessionID string, snapshots []core.ItemSnapshot, settledAt time.Time) []core.SettlementIntent {
	intents := make([]core.SettlementIntent, 0, len(snapshots))
	for _, snap := range snapshots {
		intents = append(intents, settleItem(sessionID, snap, settledAt))
	}
	return intents
}

func settleItem(sessionID string, snap core.ItemSnapshot, settledAt time.Time) core.SettlementIntent {
	intent := core.SettlementIntent{
		SessionID: sessionID,
		ItemID:    snap.Item.ItemID,
		Outcome:   core.OutcomeUnsold,
		SettledAt: settledAt,
	}

	switch {
	case snap.Highest == nil:
		intent.Reason = core.UnsoldNoBids
	case snap.Item.HasReserve() && snap.Highest.Amount.LessThan(snap.Item.ReservePrice):
		intent.Reason = core.UnsoldReserveNotMet
	default:
		winner := *snap.Highest
		intent.Outcome = core.OutcomeSold
		intent.WinningBid = &winner
	}
	return intent
}
