package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/liveauction/auction"
	"github.com/cloudx-io/liveauction/auctionapi"
	"github.com/cloudx-io/liveauction/core"
	"github.com/cloudx-io/liveauction/ledger"
	"github.com/cloudx-io/liveauction/settlement"
	"github.com/cloudx-io/liveauction/validation"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, persister ledger.Persister, restore bool) *Server {
	t.Helper()
	logger := zerolog.Nop()

	keys, err := settlement.NewKeyManager()
	assert.NoError(t, err)

	clock := fixedClock{now: testNow}
	sink := settlement.NewSignedSink(keys, core.DefaultCurrency, clock, nil, logger)
	enrollments := auction.NewEnrollmentBook()
	engine := auction.New(auction.Config{
		OpenGrace:   auction.DefaultOpenGrace,
		Retention:   auction.DefaultRetention,
		Clock:       clock,
		Settlements: sink,
		Logger:      &logger,
	}, ledger.New(persister, &logger), enrollments)

	return NewServer(engine, enrollments, sink, ServerOptions{MaxWorkers: 4, ReadTimeout: time.Second, Restore: restore})
}

func send(t *testing.T, s *Server, req any) auctionapi.Response {
	t.Helper()
	data, err := json.Marshal(req)
	assert.NoError(t, err)
	return s.handleRequest(context.Background(), data)
}

// setupSession creates an open session with one item and one enrolled bidder.
func setupSession(t *testing.T, s *Server) {
	t.Helper()
	end := testNow.Add(time.Hour)

	resp := send(t, s, auctionapi.CreateSessionRequest{
		Type:           auctionapi.TypeCreateSession,
		SessionID:      "s1",
		ScheduledStart: testNow.Add(-time.Minute),
		ScheduledEnd:   &end,
	})
	assert.True(t, resp.Success)

	resp = send(t, s, auctionapi.AddItemRequest{
		Type:          auctionapi.TypeAddItem,
		SessionID:     "s1",
		ItemID:        "lot-1",
		StartingPrice: decimal.RequireFromString("100"),
		StepPrice:     decimal.RequireFromString("10"),
	})
	assert.True(t, resp.Success)

	for _, bidder := range []string{"bidder_a", "bidder_b"} {
		resp = send(t, s, auctionapi.Request{Type: auctionapi.TypeEnroll, SessionID: "s1", BidderID: bidder})
		assert.True(t, resp.Success)
	}

	resp = send(t, s, auctionapi.Request{Type: auctionapi.TypeOpenSession, SessionID: "s1"})
	assert.True(t, resp.Success)
}

func placeBid(t *testing.T, s *Server, bidder, amount string) auctionapi.Response {
	t.Helper()
	return send(t, s, auctionapi.PlaceBidRequest{
		Type:      auctionapi.TypePlaceBid,
		SessionID: "s1",
		ItemID:    "lot-1",
		BidderID:  bidder,
		Amount:    decimal.RequireFromString(amount),
	})
}

func TestHandleRequest_Ping(t *testing.T) {
	s := newTestServer(t, nil, false)

	resp := send(t, s, map[string]string{"type": "ping"})
	check.Equal(t, auctionapi.TypePong, resp.Type)
	check.True(t, resp.Success)
}

func TestHandleRequest_UnknownAndMalformed(t *testing.T) {
	s := newTestServer(t, nil, false)

	resp := send(t, s, map[string]string{"type": "key_request"})
	check.Equal(t, auctionapi.TypeError, resp.Type)
	check.False(t, resp.Success)

	resp = s.handleRequest(context.Background(), []byte("{not json"))
	check.Equal(t, auctionapi.TypeError, resp.Type)

	resp = send(t, s, auctionapi.Request{Type: auctionapi.TypeSessionInfo, SessionID: "missing"})
	check.Equal(t, auctionapi.TypeError, resp.Type)
}

func TestHandleRequest_BidFlow(t *testing.T) {
	s := newTestServer(t, nil, false)
	setupSession(t, s)

	resp := placeBid(t, s, "bidder_a", "110")
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Receipt)
	check.Equal(t, uint64(1), resp.Receipt.Bid.Seq)
	check.True(t, resp.Receipt.NextMinimum.Equal(decimal.RequireFromString("120")))

	resp = placeBid(t, s, "bidder_b", "115")
	check.False(t, resp.Success)
	assert.NotNil(t, resp.Rejection)
	check.Equal(t, core.ReasonBidTooLow, resp.Rejection.Reason)
	check.False(t, resp.Rejection.Retryable)
	assert.NotNil(t, resp.Rejection.MinimumAcceptable)
	check.True(t, resp.Rejection.MinimumAcceptable.Equal(decimal.RequireFromString("120")))

	resp = placeBid(t, s, "stranger", "500")
	check.False(t, resp.Success)
	check.Equal(t, core.ReasonNotEnrolled, resp.Rejection.Reason)
	check.Nil(t, resp.Rejection.MinimumAcceptable)

	resp = placeBid(t, s, "bidder_b", "120")
	assert.True(t, resp.Success)

	resp = send(t, s, auctionapi.Request{Type: auctionapi.TypeHighestBid, SessionID: "s1", ItemID: "lot-1"})
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Bid)
	check.Equal(t, "bidder_b", resp.Bid.BidderID)

	resp = send(t, s, auctionapi.Request{Type: auctionapi.TypeBidHistory, SessionID: "s1", ItemID: "lot-1"})
	assert.True(t, resp.Success)
	check.Equal(t, 2, len(resp.History))

	resp = send(t, s, auctionapi.Request{Type: auctionapi.TypeHighestBid, SessionID: "s1", ItemID: "lot-9"})
	check.Equal(t, auctionapi.TypeError, resp.Type)
}

func TestHandleRequest_CloseAndValidateSettlement(t *testing.T) {
	s := newTestServer(t, nil, false)
	setupSession(t, s)

	assert.True(t, placeBid(t, s, "bidder_a", "110").Success)
	assert.True(t, placeBid(t, s, "bidder_b", "130").Success)

	resp := send(t, s, auctionapi.Request{Type: auctionapi.TypeSettlements, SessionID: "s1"})
	check.Equal(t, auctionapi.TypeError, resp.Type)

	resp = send(t, s, auctionapi.Request{Type: auctionapi.TypeCloseSession, SessionID: "s1"})
	assert.True(t, resp.Success)
	assert.Equal(t, 1, len(resp.Settlements))
	check.Equal(t, core.OutcomeSold, resp.Settlements[0].Outcome)

	resp = placeBid(t, s, "bidder_a", "200")
	check.Equal(t, core.ReasonSessionNotOpen, resp.Rejection.Reason)

	settled := send(t, s, auctionapi.Request{Type: auctionapi.TypeSettlements, SessionID: "s1"})
	assert.True(t, settled.Success)
	assert.Equal(t, 1, len(settled.Documents))

	key := send(t, s, auctionapi.Request{Type: auctionapi.TypePublicKey})
	assert.True(t, key.Success)

	history := send(t, s, auctionapi.Request{Type: auctionapi.TypeBidHistory, SessionID: "s1", ItemID: "lot-1"})
	assert.True(t, history.Success)

	result, err := validation.ValidateSettlement(&validation.SettlementValidationInput{
		SettlementCOSE: settled.Documents[0],
		PublicKeyPEM:   key.PublicKey,
		ItemID:         "lot-1",
		History:        history.History,
		BidID:          history.History[1].ID,
		IsWinner:       true,
	})
	assert.NoError(t, err)
	check.True(t, result.IsValid())
}

func TestHandleRequest_Cancel(t *testing.T) {
	s := newTestServer(t, nil, false)
	setupSession(t, s)

	resp := send(t, s, auctionapi.CancelSessionRequest{Type: auctionapi.TypeCancelSession, SessionID: "s1", Reason: "venue closed"})
	assert.True(t, resp.Success)
	info, ok := resp.Session.(auction.SessionInfo)
	assert.True(t, ok)
	check.Equal(t, core.StatusCancelled, info.Status)
	check.Equal(t, "venue closed", info.CancelReason)

	resp = send(t, s, auctionapi.Request{Type: auctionapi.TypeCloseSession, SessionID: "s1"})
	check.Equal(t, auctionapi.TypeError, resp.Type)

	resp = send(t, s, auctionapi.Request{Type: auctionapi.TypeEnroll, SessionID: "s1", BidderID: "late"})
	check.Equal(t, auctionapi.TypeError, resp.Type)
}

func TestHandleRequest_AddItemRestoresHistory(t *testing.T) {
	persister := ledger.NewMemoryPersister()

	first := newTestServer(t, persister, true)
	setupSession(t, first)
	assert.True(t, placeBid(t, first, "bidder_a", "110").Success)
	assert.True(t, placeBid(t, first, "bidder_b", "120").Success)

	// A fresh process sharing the same store resumes the item.
	second := newTestServer(t, persister, true)
	setupSession(t, second)

	resp := placeBid(t, second, "bidder_a", "125")
	check.Equal(t, core.ReasonBidTooLow, resp.Rejection.Reason)

	resp = placeBid(t, second, "bidder_a", "130")
	assert.True(t, resp.Success)
	check.Equal(t, uint64(3), resp.Receipt.Bid.Seq)
}

func TestServe_TCP(t *testing.T) {
	s := newTestServer(t, nil, false)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, listener) }()

	conn, err := net.Dial("tcp", listener.Addr().String())
	assert.NoError(t, err)
	_, err = conn.Write([]byte(`{"type":"ping"}`))
	assert.NoError(t, err)
	assert.NoError(t, conn.(*net.TCPConn).CloseWrite())

	raw, err := io.ReadAll(conn)
	assert.NoError(t, err)
	assert.NoError(t, conn.Close())

	var resp auctionapi.Response
	assert.NoError(t, json.Unmarshal(raw, &resp))
	check.Equal(t, auctionapi.TypePong, resp.Type)

	cancel()
	select {
	case err := <-done:
		check.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
