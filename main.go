package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/egannguyen/sales-service/internal/config"
	"github.com/egannguyen/sales-service/internal/delivery/consumer"
	deliveryhttp "github.com/egannguyen/sales-service/internal/delivery/http"
	"github.com/egannguyen/sales-service/internal/lock"
	"github.com/egannguyen/sales-service/internal/messaging"
	"github.com/egannguyen/sales-service/internal/messaging/kafka"
	"github.com/egannguyen/sales-service/internal/messaging/pubsub"
	"github.com/egannguyen/sales-service/internal/metrics"
	"github.com/egannguyen/sales-service/internal/repository"
	"github.com/egannguyen/sales-service/internal/repository/memory"
	"github.com/egannguyen/sales-service/internal/repository/sqlstore"
	"github.com/egannguyen/sales-service/internal/service"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.Logger())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Service stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("Service stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	m := metrics.New()
	checks := map[string]deliveryhttp.Pinger{}

	// --- Database ---
	var (
		sales  repository.SaleRepository
		outbox repository.EventStore
	)
	if cfg.DatabaseDriver == config.DriverMemory {
		store := memory.New()
		sales, outbox = store, store
		slog.Warn("Using in-memory sale store, data is lost on restart")
	} else {
		db, err := sqlstore.InitDB(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to init database: %w", err)
		}
		defer db.Close()
		sales, outbox = sqlstore.NewSaleRepository(db), sqlstore.NewEventStore(db)
		checks["database"] = db
	}

	// --- Messaging ---
	publisher, subscriber, closeBroker, err := newBroker(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeBroker(); err != nil {
			slog.Error("Failed to close broker", "err", err)
		}
	}()

	// --- Locking ---
	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		locker = lock.NewRedis(rdb, cfg.LockTTL)
		checks["redis"] = redisPinger{rdb}
	}

	// --- Services ---
	dispatcher := service.NewEventDispatcher(publisher, outbox, m, service.DispatcherConfig{
		Topic: cfg.EventsTopic,
		Grace: cfg.RelayGrace,
		Batch: cfg.RelayBatch,
	})
	saleService := service.NewSaleService(sales, dispatcher, locker, m)
	commands := consumer.NewCommandHandler(saleService, m)
	eventLog := service.NewEventLogger(slog.Default())

	// --- HTTP ---
	mux := http.NewServeMux()
	deliveryhttp.NewHandler(checks, m.Handler()).RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// --- Start everything ---
	g, ctx := errgroup.WithContext(ctx)

	// sales.commands → SaleService → sales.events
	g.Go(func() error {
		subscriber.Consume(ctx, cfg.CommandsTopic, cfg.ConsumerGroup, commands.Handle)
		return nil
	})

	// sales.events → EventLogger
	g.Go(func() error {
		subscriber.Consume(ctx, cfg.EventsTopic, cfg.ConsumerGroup+"-event-log", eventLog.Handle)
		return nil
	})

	g.Go(func() error {
		return dispatcher.RunRelay(ctx, cfg.RelayEvery)
	})

	g.Go(func() error {
		slog.Info("HTTP server starting", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	slog.Info("Sales service started",
		"database", cfg.DatabaseDriver,
		"transport", cfg.EventTransport,
		"commands_topic", cfg.CommandsTopic,
		"events_topic", cfg.EventsTopic,
	)
	return g.Wait()
}

// newBroker builds the publisher and subscriber for the configured
// transport.
func newBroker(cfg config.Config) (messaging.Publisher, messaging.Subscriber, func() error, error) {
	switch cfg.EventTransport {
	case config.TransportKafka:
		b := kafka.NewKafkaBroker(cfg.KafkaBrokers)
		return b, b, b.Close, nil
	case config.TransportWatermillKafka:
		b, err := pubsub.NewKafkaBroker(cfg.KafkaBrokers, slog.Default())
		if err != nil {
			return nil, nil, nil, err
		}
		return b, b, b.Close, nil
	case config.TransportMemory:
		b := pubsub.NewGoChannelBroker(false, slog.Default())
		return b, b, b.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown event transport %q", cfg.EventTransport)
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
