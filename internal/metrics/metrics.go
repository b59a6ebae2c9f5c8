package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/workqueue/internal/broker"
	"github.com/notifyhub/workqueue/internal/domain"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
//
// Queue depth is the broker's number, sampled; the counters here are local
// observations and reset on restart.
type Metrics struct {
	ItemsPublished     prometheus.Counter
	PublishFailures    prometheus.Counter
	ItemsProcessed     *prometheus.CounterVec
	ProcessingFailures *prometheus.CounterVec
	ProcessingLatency  *prometheus.HistogramVec
	Redeliveries       *prometheus.CounterVec
	AckFailures        *prometheus.CounterVec
	ConnectionState    *prometheus.GaugeVec
	ConnectFailures    *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
	QueueConsumers     *prometheus.GaugeVec
}

// New registers all instruments with the given Prometheus registerer.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ItemsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workqueue_items_published_total",
			Help: "Work items accepted by the broker for routing.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workqueue_publish_failures_total",
			Help: "Publish attempts that failed, including while disconnected.",
		}),
		ItemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workqueue_items_processed_total",
			Help: "Work items processed and acknowledged.",
		}, []string{"worker"}),
		ProcessingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workqueue_processing_failures_total",
			Help: "Work items whose processing failed and were left unacknowledged.",
		}, []string{"worker"}),
		ProcessingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workqueue_processing_seconds",
			Help:    "Time from delivery to acknowledgement.",
			Buckets: []float64{0.1, 0.5, 1, 2, 2.5, 5, 10, 30},
		}, []string{"worker"}),
		Redeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workqueue_redeliveries_total",
			Help: "Deliveries flagged as redelivered by the broker.",
		}, []string{"worker"}),
		AckFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workqueue_ack_failures_total",
			Help: "Acknowledgements rejected for unknown or expired delivery handles.",
		}, []string{"worker"}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workqueue_broker_connection_state",
			Help: "Broker client state: 0 disconnected, 1 connecting, 2 connected, 3 backing-off.",
		}, []string{"client"}),
		ConnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workqueue_broker_connect_failures_total",
			Help: "Failed broker connection attempts.",
		}, []string{"client"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workqueue_queue_messages",
			Help: "Ready messages in the queue as last reported by the broker.",
		}, []string{"queue"}),
		QueueConsumers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workqueue_queue_consumers",
			Help: "Consumers attached to the queue as last reported by the broker.",
		}, []string{"queue"}),
	}

	reg.MustRegister(
		m.ItemsPublished,
		m.PublishFailures,
		m.ItemsProcessed,
		m.ProcessingFailures,
		m.ProcessingLatency,
		m.Redeliveries,
		m.AckFailures,
		m.ConnectionState,
		m.ConnectFailures,
		m.QueueDepth,
		m.QueueConsumers,
	)

	return m
}

// ClientHooks returns broker.Hooks that track one named client.
func (m *Metrics) ClientHooks(client string) broker.Hooks {
	return broker.Hooks{
		OnStateChange: func(s domain.ConnectionState) {
			m.ConnectionState.WithLabelValues(client).Set(float64(s))
		},
		OnConnectError: func(error) {
			m.ConnectFailures.WithLabelValues(client).Inc()
		},
	}
}

// PublishHooks returns the callbacks expected by producer.Hooks.
func (m *Metrics) PublishHooks() (onPublished func(), onFailed func()) {
	onPublished = func() { m.ItemsPublished.Inc() }
	onFailed = func() { m.PublishFailures.Inc() }
	return
}

// WorkerHooks returns the callbacks expected by consumer.Hooks.
func (m *Metrics) WorkerHooks() (
	onProcessed func(worker string, latency time.Duration),
	onFailed func(worker string),
	onRedelivered func(worker string),
	onAckFailed func(worker string),
) {
	onProcessed = func(w string, latency time.Duration) {
		m.ItemsProcessed.WithLabelValues(w).Inc()
		m.ProcessingLatency.WithLabelValues(w).Observe(latency.Seconds())
	}
	onFailed = func(w string) { m.ProcessingFailures.WithLabelValues(w).Inc() }
	onRedelivered = func(w string) { m.Redeliveries.WithLabelValues(w).Inc() }
	onAckFailed = func(w string) { m.AckFailures.WithLabelValues(w).Inc() }
	return
}

// ObserveQueue records a broker queue snapshot.
func (m *Metrics) ObserveQueue(st domain.QueueStatus) {
	m.QueueDepth.WithLabelValues(st.Name).Set(float64(st.Messages))
	m.QueueConsumers.WithLabelValues(st.Name).Set(float64(st.Consumers))
}
