package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a notification emitted by the engine.
type EventType string

const (
	EventBidPlaced         EventType = "bid_placed"
	EventSessionOpened     EventType = "session_opened"
	EventSessionEndingSoon EventType = "session_ending_soon"
	EventSessionClosed     EventType = "session_closed"
	EventSessionCancelled  EventType = "session_cancelled"
)

// Event is a fire-and-forget notification about a session.
type Event interface {
	EventType() EventType
	EventSessionID() string
}

type BidPlaced struct {
	SessionID string          `json:"session_id"`
	ItemID    string          `json:"item_id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	Seq       uint64          `json:"seq"`
	At        time.Time       `json:"at"`
}

func (BidPlaced) EventType() EventType     { return EventBidPlaced }
func (e BidPlaced) EventSessionID() string { return e.SessionID }

type SessionOpened struct {
	SessionID string    `json:"session_id"`
	OpenedAt  time.Time `json:"opened_at"`
}

func (SessionOpened) EventType() EventType     { return EventSessionOpened }
func (e SessionOpened) EventSessionID() string { return e.SessionID }

type SessionEndingSoon struct {
	SessionID        string `json:"session_id"`
	ItemID           string `json:"item_id"`
	MinutesRemaining int    `json:"minutes_remaining"`
}

func (SessionEndingSoon) EventType() EventType     { return EventSessionEndingSoon }
func (e SessionEndingSoon) EventSessionID() string { return e.SessionID }

type SessionClosed struct {
	SessionID   string             `json:"session_id"`
	ClosedAt    time.Time          `json:"closed_at"`
	Settlements []SettlementIntent `json:"settlements"`
}

func (SessionClosed) EventType() EventType     { return EventSessionClosed }
func (e SessionClosed) EventSessionID() string { return e.SessionID }

type SessionCancelled struct {
	SessionID   string    `json:"session_id"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

func (SessionCancelled) EventType() EventType     { return EventSessionCancelled }
func (e SessionCancelled) EventSessionID() string { return e.SessionID }
