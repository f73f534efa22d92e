// Package notify delivers engine events and settlement documents to the
// outside world.
package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cloudx-io/liveauction/auctionapi"
	"github.com/cloudx-io/liveauction/core"
)

// Notifier matches auction.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event core.Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event core.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(context.Context, core.Event) error { return nil }

// Log writes events and settlement documents to a zerolog logger.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *Log) Notify(_ context.Context, event core.Event) error {
	l.logger.Info().
		Str("event", string(event.EventType())).
		Str("session", event.EventSessionID()).
		Interface("payload", event).
		Msg("auction event")
	return nil
}

func (l *Log) PublishSettlement(_ context.Context, doc auctionapi.SettlementDocument, signed auctionapi.SettlementCOSE) error {
	l.logger.Info().
		Str("session", doc.SessionID).
		Str("document", doc.DocumentID).
		Int("items", len(doc.Items)).
		Str("cose", signed.EncodeBase64().String()).
		Msg("settlement document")
	return nil
}

// subjectToken makes s safe to use as one NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
