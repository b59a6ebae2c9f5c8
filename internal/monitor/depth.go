package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/workqueue/internal/domain"
)

// StatusSource reports the broker's view of a queue. *broker.Client
// satisfies it.
type StatusSource interface {
	QueueStatus(ctx context.Context, queue string) (domain.QueueStatus, error)
}

// DepthMonitor polls the broker for a queue's depth on a fixed interval and
// hands every snapshot to observe (the Prometheus gauges in main).
//
// The broker is the only authority on depth; the monitor just samples it.
type DepthMonitor struct {
	src      StatusSource
	queue    string
	interval time.Duration
	observe  func(domain.QueueStatus)
	logger   *zap.Logger

	mu   sync.RWMutex
	last *domain.QueueStatus
	at   time.Time
}

func NewDepthMonitor(
	src StatusSource,
	queue string,
	interval time.Duration,
	observe func(domain.QueueStatus),
	logger *zap.Logger,
) *DepthMonitor {
	if observe == nil {
		observe = func(domain.QueueStatus) {}
	}
	return &DepthMonitor{src: src, queue: queue, interval: interval, observe: observe, logger: logger}
}

// Run ticks every interval and samples the queue.
// Stops cleanly when ctx is cancelled.
func (m *DepthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("depth monitor started", zap.String("queue", m.queue), zap.Duration("interval", m.interval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("depth monitor stopping")
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *DepthMonitor) poll(ctx context.Context) {
	st, err := m.src.QueueStatus(ctx, m.queue)
	if err != nil {
		if errors.Is(err, domain.ErrNotConnected) {
			m.logger.Debug("depth poll skipped, broker not connected")
			return
		}
		m.logger.Warn("depth poll error", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.last = &st
	m.at = time.Now().UTC()
	m.mu.Unlock()

	m.observe(st)
	m.logger.Debug("queue depth",
		zap.String("queue", st.Name),
		zap.Int("messages", st.Messages),
		zap.Int("consumers", st.Consumers),
	)
}

// Last returns the most recent snapshot and when it was taken.
// ok is false until the first successful poll.
func (m *DepthMonitor) Last() (st domain.QueueStatus, at time.Time, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return domain.QueueStatus{}, time.Time{}, false
	}
	return *m.last, m.at, true
}
