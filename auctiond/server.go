package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudx-io/liveauction/auction"
	"github.com/cloudx-io/liveauction/auctionapi"
	"github.com/cloudx-io/liveauction/core"
	"github.com/cloudx-io/liveauction/settlement"
)

// Server answers one JSON request per connection.
type Server struct {
	engine      *auction.Engine
	enrollments *auction.EnrollmentBook
	sink        *settlement.SignedSink
	clock       core.Clock
	// restore reloads persisted bid history when an item is added.
	restore bool

	maxWorkers  int
	readTimeout time.Duration
	logger      zerolog.Logger
}

type ServerOptions struct {
	MaxWorkers  int
	ReadTimeout time.Duration
	Restore     bool
}

func NewServer(engine *auction.Engine, enrollments *auction.EnrollmentBook, sink *settlement.SignedSink, opts ServerOptions) *Server {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	return &Server{
		engine:      engine,
		enrollments: enrollments,
		sink:        sink,
		clock:       engine.Config().Clock,
		restore:     opts.Restore,
		maxWorkers:  opts.MaxWorkers,
		readTimeout: opts.ReadTimeout,
		logger:      engine.Logger().With().Str("component", "server").Logger(),
	}
}

// Serve accepts connections until ctx is cancelled. Connections beyond
// maxWorkers are closed immediately.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil {
			s.logger.Error().Err(err).Msg("failed to close listener")
		}
	}()

	semaphore := make(chan struct{}, s.maxWorkers)
	s.logger.Info().Str("addr", listener.Addr().String()).Int("max_workers", s.maxWorkers).Msg("listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		// Acquire worker slot - immediate rejection if pool full
		select {
		case semaphore <- struct{}{}:
			go func(c net.Conn) {
				defer func() { <-semaphore }()
				s.handleConnection(ctx, c)
			}(conn)
		default:
			s.logger.Info().Msg("no workers available, rejecting connection (pool full)")
			if err := conn.Close(); err != nil {
				s.logger.Error().Err(err).Msg("failed to close rejected connection")
			}
		}
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("panic recovered in handleConnection")
		}
		if err := conn.Close(); err != nil {
			s.logger.Error().Err(err).Msg("failed to close connection")
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, conn); err != nil {
		s.logger.Error().Err(err).Msg("failed to read request")
		return
	}

	response := s.handleRequest(ctx, buf.Bytes())

	if err := json.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Error().Err(err).Str("type", response.Type).Msg("failed to encode response")
	}
}

// handleRequest decodes one request and dispatches it on its type.
func (s *Server) handleRequest(ctx context.Context, data []byte) auctionapi.Response {
	started := time.Now()

	var baseReq struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &baseReq); err != nil {
		s.logger.Warn().Err(err).Msg("failed to decode base request")
		return errorResponse("failed to decode request: %v", err)
	}

	logger := s.logger.With().Str("type", baseReq.Type).Logger()
	logger.Debug().Msg("received request")

	var resp auctionapi.Response
	switch baseReq.Type {
	case auctionapi.TypePing:
		resp = auctionapi.Response{Type: auctionapi.TypePong, Success: true, Message: "auctiond is healthy"}
	case auctionapi.TypeCreateSession:
		resp = s.createSession(data)
	case auctionapi.TypeAddItem:
		resp = s.addItem(ctx, data)
	case auctionapi.TypeEnroll:
		resp = s.enroll(data)
	case auctionapi.TypeOpenSession:
		resp = s.openSession(ctx, data)
	case auctionapi.TypeCloseSession:
		resp = s.closeSession(ctx, data)
	case auctionapi.TypeCancelSession:
		resp = s.cancelSession(ctx, data)
	case auctionapi.TypePlaceBid:
		resp = s.placeBid(ctx, data)
	case auctionapi.TypeHighestBid:
		resp = s.highestBid(data)
	case auctionapi.TypeBidHistory:
		resp = s.bidHistory(data)
	case auctionapi.TypeSessionInfo:
		resp = s.sessionInfo(data)
	case auctionapi.TypeSettlements:
		resp = s.settlements(data)
	case auctionapi.TypePublicKey:
		resp = s.publicKey()
	default:
		resp = errorResponse("unknown request type: %s", baseReq.Type)
	}

	resp.ProcessingTime = time.Since(started).Milliseconds()
	if resp.Type == auctionapi.TypeError {
		logger.Info().Str("message", resp.Message).Msg("request failed")
	}
	return resp
}
