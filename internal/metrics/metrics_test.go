package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/notifyhub/workqueue/internal/domain"
	"github.com/notifyhub/workqueue/internal/metrics"
)

func TestClientHooks(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := m.ClientHooks("producer")

	h.OnStateChange(domain.StateBackingOff)
	if got := testutil.ToFloat64(m.ConnectionState.WithLabelValues("producer")); got != float64(domain.StateBackingOff) {
		t.Errorf("state gauge = %v, want %d", got, domain.StateBackingOff)
	}
	h.OnStateChange(domain.StateConnected)
	if got := testutil.ToFloat64(m.ConnectionState.WithLabelValues("producer")); got != float64(domain.StateConnected) {
		t.Errorf("state gauge = %v, want %d", got, domain.StateConnected)
	}

	h.OnConnectError(errors.New("refused"))
	h.OnConnectError(errors.New("refused"))
	if got := testutil.ToFloat64(m.ConnectFailures.WithLabelValues("producer")); got != 2 {
		t.Errorf("connect failures = %v, want 2", got)
	}
}

func TestWorkerHooks(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	onProcessed, onFailed, onRedelivered, onAckFailed := m.WorkerHooks()

	onProcessed("consumer-0", 2*time.Second)
	onProcessed("consumer-0", 2*time.Second)
	onProcessed("consumer-1", time.Second)
	onFailed("consumer-1")
	onRedelivered("consumer-0")
	onAckFailed("consumer-0")

	if got := testutil.ToFloat64(m.ItemsProcessed.WithLabelValues("consumer-0")); got != 2 {
		t.Errorf("processed consumer-0 = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ProcessingFailures.WithLabelValues("consumer-1")); got != 1 {
		t.Errorf("failures consumer-1 = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Redeliveries.WithLabelValues("consumer-0")); got != 1 {
		t.Errorf("redeliveries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AckFailures.WithLabelValues("consumer-0")); got != 1 {
		t.Errorf("ack failures = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.ProcessingLatency); n != 2 {
		t.Errorf("latency series = %d, want one per worker", n)
	}
}

func TestPublishHooksAndQueue(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	onPublished, onFailed := m.PublishHooks()
	onPublished()
	onPublished()
	onFailed()

	if got := testutil.ToFloat64(m.ItemsPublished); got != 2 {
		t.Errorf("published = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PublishFailures); got != 1 {
		t.Errorf("publish failures = %v, want 1", got)
	}

	m.ObserveQueue(domain.QueueStatus{Name: "work_queue", Messages: 12, Consumers: 3})
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("work_queue")); got != 12 {
		t.Errorf("depth = %v, want 12", got)
	}
	if got := testutil.ToFloat64(m.QueueConsumers.WithLabelValues("work_queue")); got != 3 {
		t.Errorf("consumers = %v, want 3", got)
	}
}
