// Command ingest runs the stream-file ingester (component G) and the
// delivery fan-out worker (component I) wired together over the internal
// NATS JetStream bus (internal/bus), per spec.md §5's "stream-ingestion and
// publisher side MAY be a separate process".
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/consometers/sge-tiers-proxy/internal/bus"
	"github.com/consometers/sge-tiers-proxy/internal/config"
	"github.com/consometers/sge-tiers-proxy/internal/fanout"
	"github.com/consometers/sge-tiers-proxy/internal/ingest"
	"github.com/consometers/sge-tiers-proxy/internal/ledger"
	"github.com/consometers/sge-tiers-proxy/internal/obslog"
	"github.com/consometers/sge-tiers-proxy/internal/streams"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration document")
	publishArchives := flag.Bool("publish-archives", false, "replay mode: read from the archive directory, never move files")
	filter := flag.String("filter", "", "only process basenames matching this glob")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := obslog.New("ingest", cfg.LogDir)
	defer logger.Sync()

	pool, err := pgxpool.New(context.Background(), cfg.DBURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	store := ledger.NewStore(pool)

	b, err := bus.Connect(cfg.Bus.URL, logger)
	if err != nil {
		logger.Fatal("failed to connect to event bus", zap.Error(err))
	}
	defer b.Close()
	if err := b.ProvisionStream(); err != nil {
		logger.Fatal("failed to provision event bus stream", zap.Error(err))
	}

	keys := make([]ingest.KeyPair, 0, len(cfg.Streams.Keys))
	for _, kp := range cfg.Streams.Keys {
		iv, key, err := kp.Resolve()
		if err != nil {
			logger.Fatal("failed to decode decryption key pair", zap.Error(err))
		}
		keys = append(keys, ingest.KeyPair{IV: iv, Key: key})
	}

	ingester := ingest.New(ingest.Options{
		InboxDir:        cfg.Streams.InboxDir,
		ArchiveDir:      cfg.Streams.ArchiveDir,
		ErrorsDir:       cfg.Streams.ErrorsDir,
		Keys:            keys,
		PublishArchives: *publishArchives,
		Filter:          *filter,
	}, store, bus.NewPublisher(b), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ingester.Run(ctx)
	go runFanoutLoop(ctx, b, store, logger)

	logger.Info("ingest worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("ingest worker shutting down")
	cancel()
	time.Sleep(200 * time.Millisecond) // let in-flight fetches settle
}

// loggingDeliverer is a placeholder Deliverer until the out-of-scope
// messaging transport is wired in; it logs every delivery instead of
// sending it, which keeps the fan-out pipeline itself fully exercised
// end-to-end.
type loggingDeliverer struct{ logger *zap.Logger }

func (d loggingDeliverer) Deliver(_ context.Context, sub ledger.Subscription, _ interface{}, records []interface{}) error {
	d.logger.Info("delivered records",
		zap.Int64("subscription_id", sub.ID),
		zap.String("usage_point_id", sub.UsagePointID),
		zap.String("series_name", sub.SeriesName),
		zap.Int("count", len(records)),
	)
	return nil
}

func runFanoutLoop(ctx context.Context, b *bus.Bus, store *ledger.Store, logger *zap.Logger) {
	consumer, err := bus.NewConsumer(b)
	if err != nil {
		logger.Error("failed to create fan-out consumer", zap.Error(err))
		return
	}

	worker := fanout.NewWorker(store, loggingDeliverer{logger: logger}, 500, fanout.NewThrottle(100), logger)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(ctx, 100)
		if err != nil {
			logger.Error("fan-out fetch failed", zap.Error(err))
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		pairs := make([]streams.Pair, 0, len(msgs))
		for _, m := range msgs {
			pairs = append(pairs, m.Pair)
		}

		if err := worker.Deliver(ctx, pairs); err != nil {
			logger.Error("fan-out delivery failed", zap.Error(err))
			for _, m := range msgs {
				m.Nak()
			}
			continue
		}
		for _, m := range msgs {
			m.Ack()
		}
	}
}
