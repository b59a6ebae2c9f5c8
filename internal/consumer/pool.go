package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/workqueue/internal/broker"
	"github.com/notifyhub/workqueue/internal/domain"
	"github.com/notifyhub/workqueue/internal/repository"
)

// Config is what every worker in a pool shares.
type Config struct {
	URL        string
	RetryDelay time.Duration
	Queue      domain.Queue
	Prefetch   int
	Instances  int
}

// Pool manages the lifecycle of all workers. Each worker owns its own broker
// connection, so the broker sees them as independent consumers and spreads
// items between them.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool creates cfg.Instances workers (at least one). clientHooks is
// called once per worker with its name; nil means no connection metrics.
func NewPool(
	dialer broker.Dialer,
	cfg Config,
	proc Processor,
	ledger repository.Ledger,
	logger *zap.Logger,
	hooks Hooks,
	clientHooks func(worker string) broker.Hooks,
) *Pool {
	n := cfg.Instances
	if n < 1 {
		n = 1
	}
	if clientHooks == nil {
		clientHooks = func(string) broker.Hooks { return broker.Hooks{} }
	}

	workers := make([]*Worker, n)
	for i := range workers {
		name := fmt.Sprintf("consumer-%d", i)
		workers[i] = NewWorker(
			name, dialer, cfg, proc, ledger,
			logger.With(zap.String("worker", name)),
			hooks,
			clientHooks(name),
		)
	}
	return &Pool{workers: workers}
}

// Start launches all workers as goroutines.
// Cancelling ctx shuts the whole pool down.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until every worker has returned after ctx is cancelled,
// including any item that was mid-processing.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Workers returns the pool's workers in creation order.
func (p *Pool) Workers() []*Worker { return p.workers }

// ConnectedWorkers reports how many workers currently hold a live session.
func (p *Pool) ConnectedWorkers() int {
	n := 0
	for _, w := range p.workers {
		if w.client.Connected() {
			n++
		}
	}
	return n
}

// Connected reports whether every worker holds a live session.
func (p *Pool) Connected() bool { return p.ConnectedWorkers() == len(p.workers) }

// State is StateConnected when all workers are, otherwise the state of the
// first worker that is not.
func (p *Pool) State() domain.ConnectionState {
	for _, w := range p.workers {
		if s := w.client.State(); s != domain.StateConnected {
			return s
		}
	}
	return domain.StateConnected
}
