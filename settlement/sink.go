package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cloudx-io/liveauction/auctionapi"
	"github.com/cloudx-io/liveauction/core"
)

// Publisher forwards signed settlement documents to the payment side.
type Publisher interface {
	PublishSettlement(ctx context.Context, doc auctionapi.SettlementDocument, signed auctionapi.SettlementCOSE) error
}

// SignedSink signs the settlement of every closed session and publishes it.
// Signed documents are kept so they can be fetched again.
type SignedSink struct {
	keys      *KeyManager
	currency  core.Currency
	clock     core.Clock
	publisher Publisher
	logger    zerolog.Logger

	mu        sync.RWMutex
	documents map[string]signedDocument
}

type signedDocument struct {
	doc    auctionapi.SettlementDocument
	signed auctionapi.SettlementCOSE
}

// NewSignedSink creates a sink. A nil publisher only keeps documents locally.
func NewSignedSink(keys *KeyManager, currency core.Currency, clock core.Clock, publisher Publisher, logger zerolog.Logger) *SignedSink {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &SignedSink{
		keys:      keys,
		currency:  currency,
		clock:     clock,
		publisher: publisher,
		logger:    logger.With().Str("component", "settlement").Logger(),
		documents: make(map[string]signedDocument),
	}
}

// HandOff signs batch and publishes the document. A session is signed once;
// a repeated hand-off republishes the stored document.
func (s *SignedSink) HandOff(ctx context.Context, batch core.SettlementBatch) error {
	s.mu.Lock()
	stored, exists := s.documents[batch.SessionID]
	if !exists {
		doc := BuildDocument(batch, s.currency, s.clock.Now())
		signed, err := s.keys.Sign(doc)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("sign settlement for session %s: %w", batch.SessionID, err)
		}
		stored = signedDocument{doc: doc, signed: signed}
		s.documents[batch.SessionID] = stored
	}
	s.mu.Unlock()

	s.logger.Info().
		Str("session", batch.SessionID).
		Str("document", stored.doc.DocumentID).
		Int("bytes", len(stored.signed)).
		Msg("settlement document signed")

	if s.publisher == nil {
		return nil
	}
	if err := s.publisher.PublishSettlement(ctx, stored.doc, stored.signed); err != nil {
		return fmt.Errorf("publish settlement for session %s: %w", batch.SessionID, err)
	}
	return nil
}

// Document returns the signed settlement document of sessionID.
func (s *SignedSink) Document(sessionID string) (auctionapi.SettlementCOSE, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.documents[sessionID]
	return stored.signed, ok
}

// PublicKeyPEM returns the PEM public key documents can be verified with.
func (s *SignedSink) PublicKeyPEM() (string, error) {
	return s.keys.PublicKeyPEM()
}
