package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the lifecycle state of an auction session.
type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusOpen      SessionStatus = "open"
	StatusClosed    SessionStatus = "closed"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s SessionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// ItemKey identifies one SessionItem.
type ItemKey struct {
	SessionID string `json:"session_id"`
	ItemID    string `json:"item_id"`
}

func (k ItemKey) String() string {
	return k.SessionID + "/" + k.ItemID
}

// SessionItem is one item's participation record within a session.
type SessionItem struct {
	SessionID     string          `json:"session_id"`
	ItemID        string          `json:"item_id"`
	CatalogueRef  string          `json:"catalogue_ref,omitempty"`
	StartingPrice decimal.Decimal `json:"starting_price"`
	StepPrice     decimal.Decimal `json:"step_price"`
	// ReservePrice is optional; zero means no reserve.
	ReservePrice decimal.Decimal `json:"reserve_price"`
}

// Key returns the ledger key of the item.
func (i SessionItem) Key() ItemKey {
	return ItemKey{SessionID: i.SessionID, ItemID: i.ItemID}
}

// HasReserve reports whether a reserve price was set.
func (i SessionItem) HasReserve() bool {
	return i.ReservePrice.IsPositive()
}

// Enrollment is a bidder's right to bid within a session.
type Enrollment struct {
	SessionID  string    `json:"session_id"`
	BidderID   string    `json:"bidder_id"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// Bid is an admitted bid. Bids are immutable once admitted.
type Bid struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	ItemID         string          `json:"item_id"`
	Seq            uint64          `json:"seq"`
	BidderID       string          `json:"bidder_id"`
	Amount         decimal.Decimal `json:"amount"`
	AdmittedAt     time.Time       `json:"admitted_at"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Key returns the ledger key of the bid's item.
func (b Bid) Key() ItemKey {
	return ItemKey{SessionID: b.SessionID, ItemID: b.ItemID}
}

// BidRequest is a bid submission from an already authenticated bidder.
type BidRequest struct {
	SessionID string          `json:"session_id"`
	ItemID    string          `json:"item_id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	// IdempotencyKey lets a client retry a submission without placing a second bid.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Key returns the ledger key the request targets.
func (r BidRequest) Key() ItemKey {
	return ItemKey{SessionID: r.SessionID, ItemID: r.ItemID}
}

// BidReceipt is returned to the caller when a bid is admitted.
type BidReceipt struct {
	Bid         Bid             `json:"bid"`
	Highest     decimal.Decimal `json:"highest"`
	NextMinimum decimal.Decimal `json:"next_minimum"`
	// Duplicate is set when the receipt was replayed for a repeated idempotency key.
	Duplicate bool `json:"duplicate,omitempty"`
}

// ItemSnapshot is a frozen view of one item and its ledger state.
type ItemSnapshot struct {
	Item     SessionItem `json:"item"`
	Highest  *Bid        `json:"highest,omitempty"`
	BidCount int         `json:"bid_count"`
	Digest   string      `json:"digest"`
}

// Outcome is the settlement result of one SessionItem.
type Outcome string

const (
	OutcomeSold   Outcome = "sold"
	OutcomeUnsold Outcome = "unsold"
)

// UnsoldReason explains an unsold outcome.
type UnsoldReason string

const (
	UnsoldNoBids        UnsoldReason = "no_bids"
	UnsoldReserveNotMet UnsoldReason = "reserve_not_met"
)

// SettlementIntent is the post-close determination for one SessionItem.
type SettlementIntent struct {
	SessionID  string       `json:"session_id"`
	ItemID     string       `json:"item_id"`
	Outcome    Outcome      `json:"outcome"`
	WinningBid *Bid         `json:"winning_bid,omitempty"`
	Reason     UnsoldReason `json:"reason,omitempty"`
	SettledAt  time.Time    `json:"settled_at"`
}

// Sold reports whether the item has a winner.
func (s SettlementIntent) Sold() bool {
	return s.Outcome == OutcomeSold && s.WinningBid != nil
}

// SettlementBatch is everything handed to the payment collaborator when a
// session closes.
type SettlementBatch struct {
	SessionID string             `json:"session_id"`
	ClosedAt  time.Time          `json:"closed_at"`
	Intents   []SettlementIntent `json:"intents"`
	Snapshots []ItemSnapshot     `json:"snapshots"`
}
