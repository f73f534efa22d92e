// Package auctionapi holds the wire types shared by the auctiond daemon, its
// clients and the settlement validator.
package auctionapi

import (
	"encoding/base64"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudx-io/liveauction/core"
)

// Request types understood by auctiond.
const (
	TypePing          = "ping"
	TypeCreateSession = "create_session"
	TypeAddItem       = "add_item"
	TypeEnroll        = "enroll"
	TypeOpenSession   = "open_session"
	TypeCloseSession  = "close_session"
	TypeCancelSession = "cancel_session"
	TypePlaceBid      = "place_bid"
	TypeHighestBid    = "highest_bid"
	TypeBidHistory    = "bid_history"
	TypeSessionInfo   = "session_info"
	TypeSettlements   = "settlements"
	TypePublicKey     = "public_key"

	TypePong  = "pong"
	TypeError = "error"
)

// SettlementCOSE is a COSE_Sign1 encoded settlement document.
type SettlementCOSE []byte

// SettlementCOSEBase64 is the standard base64 form of a SettlementCOSE, used in JSON.
type SettlementCOSEBase64 string

// EncodeBase64 encodes raw COSE bytes with standard base64.
func (c SettlementCOSE) EncodeBase64() SettlementCOSEBase64 {
	return SettlementCOSEBase64(base64.StdEncoding.EncodeToString(c))
}

// Decode returns the raw COSE bytes.
func (b SettlementCOSEBase64) Decode() (SettlementCOSE, error) {
	raw, err := base64.StdEncoding.DecodeString(string(b))
	if err != nil {
		return nil, err
	}
	return SettlementCOSE(raw), nil
}

func (b SettlementCOSEBase64) String() string {
	return string(b)
}

// SettlementDocument is the signed payload handed to the payment side when a
// session closes. Amounts are canonical decimal strings.
type SettlementDocument struct {
	DocumentID string                   `cbor:"document_id" json:"document_id"`
	SessionID  string                   `cbor:"session_id" json:"session_id"`
	ClosedAt   time.Time                `cbor:"closed_at" json:"closed_at"`
	Currency   string                   `cbor:"currency" json:"currency"`
	Items      []SettlementDocumentItem `cbor:"items" json:"items"`
	IssuedAt   time.Time                `cbor:"issued_at" json:"issued_at"`
}

// SettlementDocumentItem is the outcome of one item plus the digest of the
// bid history it was decided on.
type SettlementDocumentItem struct {
	ItemID        string `cbor:"item_id" json:"item_id"`
	Outcome       string `cbor:"outcome" json:"outcome"`
	Reason        string `cbor:"reason,omitempty" json:"reason,omitempty"`
	WinningBidID  string `cbor:"winning_bid_id,omitempty" json:"winning_bid_id,omitempty"`
	WinningBidder string `cbor:"winning_bidder,omitempty" json:"winning_bidder,omitempty"`
	WinningAmount string `cbor:"winning_amount,omitempty" json:"winning_amount,omitempty"`
	WinningSeq    uint64 `cbor:"winning_seq,omitempty" json:"winning_seq,omitempty"`
	ReservePrice  string `cbor:"reserve_price,omitempty" json:"reserve_price,omitempty"`
	BidCount      int    `cbor:"bid_count" json:"bid_count"`
	LedgerDigest  string `cbor:"ledger_digest" json:"ledger_digest"`
}

// Request is the envelope every daemon request shares. Fields not used by a
// request type are ignored.
type Request struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	ItemID    string `json:"item_id,omitempty"`
	BidderID  string `json:"bidder_id,omitempty"`
}

type CreateSessionRequest struct {
	Type           string        `json:"type"`
	SessionID      string        `json:"session_id"`
	ScheduledStart time.Time     `json:"scheduled_start"`
	ScheduledEnd   *time.Time    `json:"scheduled_end,omitempty"`
	SnipeTrigger   time.Duration `json:"snipe_trigger,omitempty"`
	SnipeExtension time.Duration `json:"snipe_extension,omitempty"`
}

type AddItemRequest struct {
	Type          string          `json:"type"`
	SessionID     string          `json:"session_id"`
	ItemID        string          `json:"item_id"`
	CatalogueRef  string          `json:"catalogue_ref,omitempty"`
	StartingPrice decimal.Decimal `json:"starting_price"`
	StepPrice     decimal.Decimal `json:"step_price"`
	ReservePrice  decimal.Decimal `json:"reserve_price"`
}

type CancelSessionRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type PlaceBidRequest struct {
	Type           string          `json:"type"`
	SessionID      string          `json:"session_id"`
	ItemID         string          `json:"item_id"`
	BidderID       string          `json:"bidder_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Response is the reply to every daemon request. Exactly one of the payload
// fields is set on success.
type Response struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`

	// Rejection is set when a bid was not admitted.
	Rejection *Rejection `json:"rejection,omitempty"`

	Receipt     *core.BidReceipt        `json:"receipt,omitempty"`
	Bid         *core.Bid               `json:"bid,omitempty"`
	History     []core.Bid              `json:"history,omitempty"`
	Session     any                     `json:"session,omitempty"`
	Enrollment  *core.Enrollment        `json:"enrollment,omitempty"`
	Settlements []core.SettlementIntent `json:"settlements,omitempty"`
	Documents   []SettlementCOSEBase64  `json:"documents,omitempty"`
	PublicKey   string                  `json:"public_key,omitempty"`

	ProcessingTime int64 `json:"processing_time_ms"`
}

// Rejection describes a non-admitted bid.
type Rejection struct {
	Reason            core.RejectionReason `json:"reason"`
	MinimumAcceptable *decimal.Decimal     `json:"minimum_acceptable,omitempty"`
	Retryable         bool                 `json:"retryable"`
}
