package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestRejectionError(t *testing.T) {
	key := ItemKey{SessionID: "s1", ItemID: "i1"}

	t.Run("bid too low carries minimum", func(t *testing.T) {
		err := error(RejectTooLow(key, dec("110")))
		var rej *RejectionError
		check.True(t, errors.As(err, &rej))
		check.Equal(t, ReasonBidTooLow, rej.Reason)
		check.True(t, dec("110").Equal(rej.MinimumAcceptable))
		check.Equal(t, "bid rejected for s1/i1: bid_too_low (minimum acceptable 110)", err.Error())
	})

	t.Run("reason survives wrapping", func(t *testing.T) {
		err := fmt.Errorf("place bid: %w", Reject(ReasonNotEnrolled, key))
		reason, ok := RejectionReasonOf(err)
		check.True(t, ok)
		check.Equal(t, ReasonNotEnrolled, reason)
	})

	t.Run("admission failure unwraps to cause", func(t *testing.T) {
		cause := errors.New("disk full")
		err := &RejectionError{Reason: ReasonAdmissionFailed, Key: key, Err: cause}
		check.True(t, errors.Is(err, cause))
		check.True(t, err.Reason.Retryable())
	})

	t.Run("non rejection", func(t *testing.T) {
		_, ok := RejectionReasonOf(errors.New("boom"))
		check.False(t, ok)
	})

	t.Run("only admission failures are retryable", func(t *testing.T) {
		for _, r := range []RejectionReason{ReasonSessionNotFound, ReasonSessionNotOpen, ReasonNotEnrolled, ReasonItemNotFound, ReasonBidTooLow, ReasonInvalidAmount} {
			check.False(t, r.Retryable())
		}
	})
}

func TestTransitionError(t *testing.T) {
	err := error(&TransitionError{SessionID: "s1", Op: OpClose, From: StatusClosed})
	check.True(t, errors.Is(err, ErrInvalidTransition))
	check.Equal(t, "session s1: cannot close from closed", err.Error())

	withDetail := &TransitionError{SessionID: "s1", Op: OpOpen, From: StatusScheduled, Detail: "too early"}
	check.Equal(t, "session s1: cannot open from scheduled: too early", withDetail.Error())
}
