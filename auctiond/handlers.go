package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cloudx-io/liveauction/auction"
	"github.com/cloudx-io/liveauction/auctionapi"
	"github.com/cloudx-io/liveauction/core"
)

func errorResponse(format string, args ...any) auctionapi.Response {
	return auctionapi.Response{Type: auctionapi.TypeError, Message: fmt.Sprintf(format, args...)}
}

func decode[T any](data []byte) (T, error) {
	var req T
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to decode request: %w", err)
	}
	return req, nil
}

// lookup decodes the common envelope and resolves its session.
func (s *Server) lookup(data []byte) (auctionapi.Request, *auction.Session, error) {
	req, err := decode[auctionapi.Request](data)
	if err != nil {
		return req, nil, err
	}
	sess, err := s.engine.Session(req.SessionID)
	if err != nil {
		return req, nil, err
	}
	return req, sess, nil
}

func (s *Server) createSession(data []byte) auctionapi.Response {
	req, err := decode[auctionapi.CreateSessionRequest](data)
	if err != nil {
		return errorResponse("%v", err)
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	spec := auction.SessionSpec{
		ID:             req.SessionID,
		ScheduledStart: req.ScheduledStart,
		AntiSnipe:      auction.AntiSnipe{Trigger: req.SnipeTrigger, Extension: req.SnipeExtension},
	}
	if req.ScheduledEnd != nil {
		spec.ScheduledEnd = *req.ScheduledEnd
	}

	sess, err := s.engine.CreateSession(spec)
	if err != nil {
		return errorResponse("create session: %v", err)
	}
	return auctionapi.Response{Type: req.Type, Success: true, Session: sess.Info()}
}

func (s *Server) addItem(ctx context.Context, data []byte) auctionapi.Response {
	req, err := decode[auctionapi.AddItemRequest](data)
	if err != nil {
		return errorResponse("%v", err)
	}
	sess, err := s.engine.Session(req.SessionID)
	if err != nil {
		return errorResponse("%v", err)
	}

	item := core.SessionItem{
		SessionID:     req.SessionID,
		ItemID:        req.ItemID,
		CatalogueRef:  req.CatalogueRef,
		StartingPrice: req.StartingPrice,
		StepPrice:     req.StepPrice,
		ReservePrice:  req.ReservePrice,
	}
	if err := sess.AddItem(item); err != nil {
		return errorResponse("add item: %v", err)
	}

	if s.restore {
		restored, err := s.engine.Ledger().Restore(ctx, item.Key())
		if err != nil {
			return errorResponse("restore item %s: %v", item.Key(), err)
		}
		if restored > 0 {
			s.logger.Info().Str("item", item.Key().String()).Int("bids", restored).Msg("item resumed from persisted history")
		}
	}
	return auctionapi.Response{Type: req.Type, Success: true, Session: sess.Info()}
}

func (s *Server) enroll(data []byte) auctionapi.Response {
	req, sess, err := s.lookup(data)
	if err != nil {
		return errorResponse("%v", err)
	}
	if req.BidderID == "" {
		return errorResponse("bidder_id is required")
	}
	if sess.Status().Terminal() {
		return errorResponse("session %s is %s", sess.ID(), sess.Status())
	}

	enrollment := s.enrollments.Enroll(sess.ID(), req.BidderID, s.clock.Now())
	return auctionapi.Response{Type: req.Type, Success: true, Enrollment: &enrollment}
}

func (s *Server) openSession(ctx context.Context, data []byte) auctionapi.Response {
	req, sess, err := s.lookup(data)
	if err != nil {
		return errorResponse("%v", err)
	}
	if err := sess.Open(ctx); err != nil {
		return errorResponse("open session: %v", err)
	}
	return auctionapi.Response{Type: req.Type, Success: true, Session: sess.Info()}
}

func (s *Server) closeSession(ctx context.Context, data []byte) auctionapi.Response {
	req, sess, err := s.lookup(data)
	if err != nil {
		return errorResponse("%v", err)
	}

	intents, err := sess.Close(ctx)
	switch {
	case errors.Is(err, auction.ErrSettlementPending):
		return auctionapi.Response{Type: req.Type, Success: true, Message: err.Error(), Session: sess.Info()}
	case err != nil:
		return errorResponse("close session: %v", err)
	}
	return auctionapi.Response{Type: req.Type, Success: true, Settlements: intents, Session: sess.Info()}
}

func (s *Server) cancelSession(ctx context.Context, data []byte) auctionapi.Response {
	req, err := decode[auctionapi.CancelSessionRequest](data)
	if err != nil {
		return errorResponse("%v", err)
	}
	sess, err := s.engine.Session(req.SessionID)
	if err != nil {
		return errorResponse("%v", err)
	}
	if err := sess.Cancel(ctx, req.Reason); err != nil {
		return errorResponse("cancel session: %v", err)
	}
	return auctionapi.Response{Type: req.Type, Success: true, Session: sess.Info()}
}

func (s *Server) placeBid(ctx context.Context, data []byte) auctionapi.Response {
	req, err := decode[auctionapi.PlaceBidRequest](data)
	if err != nil {
		return errorResponse("%v", err)
	}

	receipt, err := s.engine.PlaceBid(ctx, core.BidRequest{
		SessionID:      req.SessionID,
		ItemID:         req.ItemID,
		BidderID:       req.BidderID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		var rej *core.RejectionError
		if !errors.As(err, &rej) {
			return errorResponse("place bid: %v", err)
		}
		rejection := &auctionapi.Rejection{Reason: rej.Reason, Retryable: rej.Reason.Retryable()}
		if rej.Reason == core.ReasonBidTooLow {
			minimum := rej.MinimumAcceptable
			rejection.MinimumAcceptable = &minimum
		}
		return auctionapi.Response{Type: req.Type, Success: false, Message: rej.Error(), Rejection: rejection}
	}
	return auctionapi.Response{Type: req.Type, Success: true, Receipt: &receipt}
}

// itemLookup resolves the session and item of a read request.
func (s *Server) itemLookup(data []byte) (auctionapi.Request, core.ItemKey, error) {
	req, sess, err := s.lookup(data)
	if err != nil {
		return req, core.ItemKey{}, err
	}
	item, ok := sess.Item(req.ItemID)
	if !ok {
		return req, core.ItemKey{}, fmt.Errorf("item %s not in session %s", req.ItemID, req.SessionID)
	}
	return req, item.Key(), nil
}

func (s *Server) highestBid(data []byte) auctionapi.Response {
	req, key, err := s.itemLookup(data)
	if err != nil {
		return errorResponse("%v", err)
	}
	resp := auctionapi.Response{Type: req.Type, Success: true}
	if bid, ok := s.engine.Ledger().HighestBid(key); ok {
		resp.Bid = &bid
	}
	return resp
}

func (s *Server) bidHistory(data []byte) auctionapi.Response {
	req, key, err := s.itemLookup(data)
	if err != nil {
		return errorResponse("%v", err)
	}
	return auctionapi.Response{Type: req.Type, Success: true, History: s.engine.Ledger().History(key)}
}

func (s *Server) sessionInfo(data []byte) auctionapi.Response {
	req, sess, err := s.lookup(data)
	if err != nil {
		return errorResponse("%v", err)
	}
	return auctionapi.Response{Type: req.Type, Success: true, Session: sess.Info()}
}

func (s *Server) settlements(data []byte) auctionapi.Response {
	req, sess, err := s.lookup(data)
	if err != nil {
		return errorResponse("%v", err)
	}
	intents, settled := sess.Settlements()
	if !settled {
		return errorResponse("session %s has not settled (status %s)", sess.ID(), sess.Status())
	}

	resp := auctionapi.Response{Type: req.Type, Success: true, Settlements: intents}
	if signed, ok := s.sink.Document(sess.ID()); ok {
		resp.Documents = []auctionapi.SettlementCOSEBase64{signed.EncodeBase64()}
	}
	return resp
}

func (s *Server) publicKey() auctionapi.Response {
	publicKey, err := s.sink.PublicKeyPEM()
	if err != nil {
		return errorResponse("public key: %v", err)
	}
	return auctionapi.Response{Type: auctionapi.TypePublicKey, Success: true, PublicKey: publicKey}
}
