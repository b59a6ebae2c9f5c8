package consumer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/workqueue/internal/broker"
	"github.com/notifyhub/workqueue/internal/domain"
	"github.com/notifyhub/workqueue/internal/repository"
)

// Hooks carries the metric callbacks injected by main.
// Nil fields are no-ops.
type Hooks struct {
	OnProcessed   func(worker string, latency time.Duration)
	OnFailed      func(worker string)
	OnRedelivered func(worker string)
	OnAckFailed   func(worker string)
}

func (h Hooks) withDefaults() Hooks {
	if h.OnProcessed == nil {
		h.OnProcessed = func(string, time.Duration) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(string) {}
	}
	if h.OnRedelivered == nil {
		h.OnRedelivered = func(string) {}
	}
	if h.OnAckFailed == nil {
		h.OnAckFailed = func(string) {}
	}
	return h
}

// Worker is one consumer: a broker client of its own plus the delivery loop
// it runs on every session that client establishes.
//
// Each session declares the queue, sets the prefetch limit and subscribes.
// Items are handled strictly one at a time; the prefetch limit, not a local
// semaphore, keeps the broker from sending more.
type Worker struct {
	name     string
	queue    domain.Queue
	prefetch int
	proc     Processor
	ledger   repository.Ledger
	logger   *zap.Logger
	hooks    Hooks
	client   *broker.Client
}

func NewWorker(
	name string,
	dialer broker.Dialer,
	cfg Config,
	proc Processor,
	ledger repository.Ledger,
	logger *zap.Logger,
	hooks Hooks,
	clientHooks broker.Hooks,
) *Worker {
	if ledger == nil {
		ledger = repository.NewMemoryLedger()
	}
	w := &Worker{
		name:     name,
		queue:    cfg.Queue,
		prefetch: cfg.Prefetch,
		proc:     proc,
		ledger:   ledger,
		logger:   logger,
		hooks:    hooks.withDefaults(),
	}
	w.client = broker.NewClient(dialer, broker.ClientConfig{
		URL:        cfg.URL,
		RetryDelay: cfg.RetryDelay,
		Setup:      w.setup,
		Serve:      w.serve,
	}, logger, clientHooks)
	return w
}

// Name identifies the worker in logs, metrics and the ledger.
func (w *Worker) Name() string { return w.name }

// Client exposes the worker's broker client for health reporting.
func (w *Worker) Client() *broker.Client { return w.client }

// Run blocks until ctx is cancelled. An item being processed when that
// happens is finished and acknowledged first.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", zap.String("queue", w.queue.Name), zap.Int("prefetch", w.prefetch))
	w.client.Run(ctx)
	w.logger.Info("worker stopping")
}

func (w *Worker) setup(_ context.Context, s *broker.Session) error {
	if err := s.DeclareQueue(w.queue); err != nil {
		return err
	}
	return s.SetPrefetch(w.prefetch)
}

func (w *Worker) serve(ctx context.Context, s *broker.Session) error {
	deliveries, err := s.Subscribe(w.queue.Name, fmt.Sprintf("%s.%d", w.name, s.ID()))
	if err != nil {
		return err
	}
	w.logger.Info("waiting for work items", zap.Uint64("session", s.ID()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return s.Err()
			}
			if err := w.handle(ctx, s, d); err != nil {
				return err
			}
		}
	}
}

// handle processes one delivery and acknowledges it. A processing failure
// leaves the item unacknowledged and ends the session, so the broker
// requeues it for the next successful connection.
func (w *Worker) handle(ctx context.Context, s *broker.Session, d domain.Delivery) error {
	start := time.Now()
	log := w.logger.With(
		zap.String("item_id", d.Item.ID),
		zap.Uint64("session", d.Handle.Session),
		zap.Bool("redelivered", d.Redelivered),
	)
	log.Info("received work item", zap.String("payload", d.Item.Text()))
	if d.Redelivered {
		w.hooks.OnRedelivered(w.name)
	}

	// Shutdown does not interrupt an item that is already being processed.
	workCtx := context.WithoutCancel(ctx)

	if err := w.proc.Process(workCtx, d.Item); err != nil {
		w.hooks.OnFailed(w.name)
		log.Warn("processing failed, item left unacknowledged", zap.Error(err))
		return fmt.Errorf("%w: item %s: %v", domain.ErrProcessing, d.Item.ID, err)
	}

	if err := s.Acknowledge(d.Handle); err != nil {
		w.hooks.OnAckFailed(w.name)
		log.Warn("acknowledgement rejected, broker will redeliver", zap.Error(err))
		return nil
	}

	elapsed := time.Since(start)
	w.hooks.OnProcessed(w.name, elapsed)
	log.Info("processed work item", zap.String("payload", d.Item.Text()), zap.Duration("latency", elapsed))

	if err := w.ledger.RecordProcessed(workCtx, domain.ProcessedRecord{
		ItemID:      d.Item.ID,
		Queue:       w.queue.Name,
		Payload:     d.Item.Text(),
		Worker:      w.name,
		Redelivered: d.Redelivered,
		ProcessedAt: time.Now().UTC(),
	}); err != nil {
		log.Warn("ledger write failed", zap.Error(err))
	}
	return nil
}
