package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/cloudx-io/liveauction/auctionapi"
	"github.com/cloudx-io/liveauction/core"
)

// DefaultSubjectPrefix is the first token of every subject published by NATS.
const DefaultSubjectPrefix = "auction"

// SettlementMessage is the JSON body of a published settlement document.
type SettlementMessage struct {
	Document auctionapi.SettlementDocument   `json:"document"`
	COSE     auctionapi.SettlementCOSEBase64 `json:"cose_base64"`
}

// NATS publishes events with core NATS (best effort, for live fan-out) and
// settlement documents with JetStream (persisted, deduplicated by document id).
type NATS struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	prefix string
	logger zerolog.Logger
}

// NATSOptions configures a NATS notifier.
type NATSOptions struct {
	URL           string
	SubjectPrefix string
	// StreamName is the JetStream stream settlement documents are stored in.
	StreamName string
	// MaxAge bounds how long settlement documents are retained by the stream.
	MaxAge time.Duration
}

// NewNATS connects to NATS and ensures the settlement stream exists.
func NewNATS(ctx context.Context, opts NATSOptions, logger zerolog.Logger) (*NATS, error) {
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = DefaultSubjectPrefix
	}
	if opts.StreamName == "" {
		opts.StreamName = "AUCTION_SETTLEMENTS"
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 7 * 24 * time.Hour
	}

	conn, err := nats.Connect(opts.URL, nats.Name("auctiond"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	n := &NATS{
		conn:   conn,
		js:     js,
		prefix: opts.SubjectPrefix,
		logger: logger.With().Str("component", "nats").Logger(),
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        opts.StreamName,
		Description: "Signed auction settlement documents",
		Subjects:    []string{n.prefix + ".settlements.*"},
		Storage:     jetstream.FileStorage,
		MaxAge:      opts.MaxAge,
		Duplicates:  time.Hour,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create/update stream: %w", err)
	}
	n.logger.Info().Str("stream", opts.StreamName).Msg("settlement stream ready")
	return n, nil
}

// EventSubject returns the subject an event is published on:
// {prefix}.events.{session}.{event_type}.
func EventSubject(prefix string, event core.Event) string {
	return fmt.Sprintf("%s.events.%s.%s", prefix, subjectToken(event.EventSessionID()), event.EventType())
}

// SettlementSubject returns the subject a session's settlement is published on.
func SettlementSubject(prefix, sessionID string) string {
	return fmt.Sprintf("%s.settlements.%s", prefix, subjectToken(sessionID))
}

func (n *NATS) Notify(_ context.Context, event core.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.EventType(), err)
	}
	subject := EventSubject(n.prefix, event)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (n *NATS) PublishSettlement(ctx context.Context, doc auctionapi.SettlementDocument, signed auctionapi.SettlementCOSE) error {
	data, err := json.Marshal(SettlementMessage{Document: doc, COSE: signed.EncodeBase64()})
	if err != nil {
		return fmt.Errorf("failed to marshal settlement: %w", err)
	}

	subject := SettlementSubject(n.prefix, doc.SessionID)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ack, err := n.js.Publish(ctx, subject, data, jetstream.WithMsgID(doc.DocumentID))
	if err != nil {
		return fmt.Errorf("failed to publish to JetStream: %w", err)
	}
	n.logger.Info().Str("subject", subject).Uint64("seq", ack.Sequence).Bool("duplicate", ack.Duplicate).Msg("settlement published")
	return nil
}

// Close drains pending publishes and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}
