package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notifyhub/workqueue/internal/api"
	"github.com/notifyhub/workqueue/internal/api/handler"
	"github.com/notifyhub/workqueue/internal/broker"
	"github.com/notifyhub/workqueue/internal/config"
	"github.com/notifyhub/workqueue/internal/consumer"
	"github.com/notifyhub/workqueue/internal/db"
	"github.com/notifyhub/workqueue/internal/metrics"
	"github.com/notifyhub/workqueue/internal/monitor"
	"github.com/notifyhub/workqueue/internal/producer"
	"github.com/notifyhub/workqueue/internal/queue"
	"github.com/notifyhub/workqueue/internal/ratelimiter"
	"github.com/notifyhub/workqueue/internal/repository"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.LogDevelopment {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// openLedger returns the PostgreSQL ledger when DATABASE_URL is set, after
// applying migrations, and the in-memory one otherwise.
func openLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Ledger, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("DATABASE_URL not set, using in-memory ledger")
		return repository.NewMemoryLedger(), nil
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("database migrations applied")
	return repository.NewPgLedger(pool), nil
}

// newDialer picks the broker transport. In memory mode every caller shares
// mem, so producer and consumer in one process see the same queues.
func newDialer(cfg *config.Config, mem *queue.Broker, connectionName string) broker.Dialer {
	if cfg.BrokerMode == config.BrokerMemory {
		return mem
	}
	return broker.AMQPDialer{Heartbeat: cfg.BrokerHeartbeat, ConnectionName: connectionName}
}

func newProcessor(cfg *config.Config) consumer.Processor {
	if cfg.WebhookURL != "" {
		return consumer.NewWebhookProcessor(cfg.WebhookURL, cfg.WebhookTimeout)
	}
	return consumer.SimulatedProcessor{Duration: cfg.ProcessingTime}
}

// producerSide is a running producer: its broker client, the depth monitor
// and the HTTP server.
type producerSide struct {
	client *broker.Client
	srv    *http.Server
	done   chan struct{}
}

func startProducer(
	ctx context.Context,
	cfg *config.Config,
	dialer broker.Dialer,
	ledger repository.Ledger,
	m *metrics.Metrics,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) *producerSide {
	q := cfg.Queue()
	client := broker.NewClient(dialer, broker.ClientConfig{
		URL:        cfg.BrokerURL,
		RetryDelay: cfg.ReconnectDelay,
		Setup: func(_ context.Context, s *broker.Session) error {
			return s.DeclareQueue(q)
		},
	}, logger.With(zap.String("component", "producer")), m.ClientHooks("producer"))

	side := &producerSide{client: client, done: make(chan struct{})}
	go func() {
		defer close(side.done)
		client.Run(ctx)
	}()

	mon := monitor.NewDepthMonitor(client, q.Name, cfg.QueuePollInterval, m.ObserveQueue, logger)
	go mon.Run(ctx)

	onPublished, onFailed := m.PublishHooks()
	prod := producer.New(client, q.Name, ratelimiter.New(cfg.PublishRateLimit), ledger, logger, producer.Hooks{
		OnPublished: onPublished,
		OnFailed:    onFailed,
	})

	router := api.NewRouter(prod, client, ledger, q.Name, handler.BurstLimits{
		DefaultCount: cfg.BurstDefaultCount,
		Max:          cfg.BurstMax,
		Preview:      cfg.BurstPreview,
	}, reg, logger)
	side.srv = &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	listen(side.srv, "producer API", logger)
	return side
}

func startConsumer(
	ctx context.Context,
	cfg *config.Config,
	dialer broker.Dialer,
	ledger repository.Ledger,
	m *metrics.Metrics,
	logger *zap.Logger,
) *consumer.Pool {
	onProcessed, onFailed, onRedelivered, onAckFailed := m.WorkerHooks()
	pool := consumer.NewPool(dialer, consumer.Config{
		URL:        cfg.BrokerURL,
		RetryDelay: cfg.ReconnectDelay,
		Queue:      cfg.Queue(),
		Prefetch:   cfg.Prefetch,
		Instances:  cfg.ConsumerInstances,
	}, newProcessor(cfg), ledger, logger, consumer.Hooks{
		OnProcessed:   onProcessed,
		OnFailed:      onFailed,
		OnRedelivered: onRedelivered,
		OnAckFailed:   onAckFailed,
	}, m.ClientHooks)
	pool.Start(ctx)
	return pool
}

// listen starts srv in a goroutine so it does not block the shutdown listener.
func listen(srv *http.Server, name string, logger *zap.Logger) {
	go func() {
		logger.Info(name+" starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(name+" error", zap.Error(err))
		}
	}()
}

func shutdownServer(srv *http.Server, cfg *config.Config, logger *zap.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
}

func waitForSignal(logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")
}
