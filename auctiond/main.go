// Command auctiond runs live auction sessions behind a JSON-over-stream
// protocol on vsock or TCP.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/cloudx-io/liveauction/auction"
	"github.com/cloudx-io/liveauction/core"
	"github.com/cloudx-io/liveauction/ledger"
	"github.com/cloudx-io/liveauction/ledger/redisstore"
	"github.com/cloudx-io/liveauction/ledger/sqlitestore"
	"github.com/cloudx-io/liveauction/notify"
	"github.com/cloudx-io/liveauction/scheduler"
	"github.com/cloudx-io/liveauction/settlement"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log.Logger); err != nil {
		log.Fatal().Err(err).Msg("auctiond stopped")
	}
}

// closer releases a backend at shutdown.
type closer interface {
	Close() error
}

func run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close backend")
			}
		}
	}()

	persister, err := openPersister(cfg)
	if err != nil {
		return err
	}
	if c, ok := persister.(closer); ok {
		closers = append(closers, c)
	}
	logger.Info().Str("persistence", cfg.Persistence).Msg("bid ledger ready")

	notifier, publisher, conn, err := openNotifier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if conn != nil {
		closers = append(closers, conn)
	}

	keys, err := loadKeys(cfg)
	if err != nil {
		return err
	}
	logger.Info().Bool("ephemeral", cfg.SigningKeyFile == "").Msg("settlement signing key loaded")

	clock := core.SystemClock{}
	sink := settlement.NewSignedSink(keys, cfg.currency(), clock, publisher, logger)
	enrollments := auction.NewEnrollmentBook()

	engine := auction.New(auction.Config{
		OpenGrace:          cfg.OpenGrace,
		MaxConflictRetries: cfg.MaxConflictRetries,
		DrainTimeout:       cfg.DrainTimeout,
		Retention:          cfg.Retention,
		Currency:           cfg.currency(),
		Clock:              clock,
		Notifier:           notifier,
		Settlements:        sink,
		Logger:             &logger,
	}, ledger.New(persister, &logger), enrollments)

	server := NewServer(engine, enrollments, sink, ServerOptions{
		MaxWorkers:  cfg.MaxWorkers,
		ReadTimeout: cfg.ReadTimeout,
		Restore:     cfg.Persistence != persistMemory,
	})

	listener, err := listen(cfg)
	if err != nil {
		return err
	}

	sched := scheduler.New(engine, scheduler.Options{
		Interval:         cfg.SchedulerInterval,
		EndingSoonWindow: cfg.EndingSoonWindow,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, listener)
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	return g.Wait()
}

func openPersister(cfg Config) (ledger.Persister, error) {
	switch cfg.Persistence {
	case persistSQLite:
		store, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return store, nil
	case persistRedis:
		store, err := redisstore.Open(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("open redis ledger: %w", err)
		}
		return store, nil
	default:
		return ledger.NewMemoryPersister(), nil
	}
}

// openNotifier logs every event, and also publishes events and settlement
// documents over NATS when a URL is configured.
func openNotifier(ctx context.Context, cfg Config, logger zerolog.Logger) (auction.Notifier, settlement.Publisher, closer, error) {
	l := notify.NewLog(logger)
	if cfg.NATSURL == "" {
		return l, l, nil, nil
	}
	n, err := notify.NewNATS(ctx, notify.NATSOptions{
		URL:           cfg.NATSURL,
		SubjectPrefix: cfg.NATSSubjectPrefix,
		StreamName:    cfg.NATSStream,
	}, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return notify.Multi{l, n}, n, n, nil
}

func loadKeys(cfg Config) (*settlement.KeyManager, error) {
	if cfg.SigningKeyFile == "" {
		return settlement.NewKeyManager()
	}
	return settlement.LoadKeyManager(cfg.SigningKeyFile)
}

func listen(cfg Config) (net.Listener, error) {
	if cfg.Listen == listenTCP {
		listener, err := net.Listen("tcp", cfg.TCPAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to create tcp listener: %w", err)
		}
		return listener, nil
	}
	listener, err := vsock.Listen(cfg.VsockPort, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create vsock listener: %w", err)
	}
	return listener, nil
}
