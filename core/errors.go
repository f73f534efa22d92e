package core

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("session already exists")
	ErrInvalidSession    = errors.New("invalid session")
	ErrInvalidItem       = errors.New("invalid session item")
	ErrDuplicateItem     = errors.New("item already assigned to session")
	ErrItemsFrozen       = errors.New("session items are frozen")
	ErrNoItems           = errors.New("session has no items")
)

// RejectionReason is the business-level reason a bid was not admitted.
type RejectionReason string

const (
	ReasonSessionNotFound RejectionReason = "session_not_found"
	ReasonSessionNotOpen  RejectionReason = "session_not_open"
	ReasonNotEnrolled     RejectionReason = "not_enrolled"
	ReasonItemNotFound    RejectionReason = "item_not_found"
	ReasonBidTooLow       RejectionReason = "bid_too_low"
	ReasonInvalidAmount   RejectionReason = "invalid_amount"
	ReasonAdmissionFailed RejectionReason = "admission_failed"
)

// Retryable reports whether resubmitting the same request can succeed later.
func (r RejectionReason) Retryable() bool {
	return r == ReasonAdmissionFailed
}

// RejectionError is returned by bid admission for every non-admitted bid.
type RejectionError struct {
	Reason RejectionReason
	Key    ItemKey
	// MinimumAcceptable is set for ReasonBidTooLow.
	MinimumAcceptable decimal.Decimal
	// Err is the underlying cause for ReasonAdmissionFailed.
	Err error
}

// Reject creates a RejectionError for key.
func Reject(reason RejectionReason, key ItemKey) *RejectionError {
	return &RejectionError{Reason: reason, Key: key}
}

// RejectTooLow creates a bid_too_low rejection carrying the minimum a retry must reach.
func RejectTooLow(key ItemKey, minimum decimal.Decimal) *RejectionError {
	return &RejectionError{Reason: ReasonBidTooLow, Key: key, MinimumAcceptable: minimum}
}

func (e *RejectionError) Error() string {
	switch e.Reason {
	case ReasonBidTooLow:
		return fmt.Sprintf("bid rejected for %s: %s (minimum acceptable %s)", e.Key, e.Reason, e.MinimumAcceptable)
	case ReasonAdmissionFailed:
		return fmt.Sprintf("bid rejected for %s: %s: %v", e.Key, e.Reason, e.Err)
	default:
		return fmt.Sprintf("bid rejected for %s: %s", e.Key, e.Reason)
	}
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// RejectionReasonOf extracts the rejection reason from err, if any.
func RejectionReasonOf(err error) (RejectionReason, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// SessionOp names a state machine operation.
type SessionOp string

const (
	OpOpen   SessionOp = "open"
	OpClose  SessionOp = "close"
	OpCancel SessionOp = "cancel"
)

// TransitionError reports a state machine operation attempted from a state
// that does not allow it. It matches ErrInvalidTransition with errors.Is.
type TransitionError struct {
	SessionID string
	Op        SessionOp
	From      SessionStatus
	Detail    string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("session %s: cannot %s from %s", e.SessionID, e.Op, e.From)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
