package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/workqueue/internal/api/handler"
	apimw "github.com/notifyhub/workqueue/internal/api/middleware"
	"github.com/notifyhub/workqueue/internal/producer"
	"github.com/notifyhub/workqueue/internal/repository"
)

// Broker is what the HTTP surface needs from the broker client.
// *broker.Client satisfies it.
type Broker interface {
	handler.ConnectionReporter
	handler.StatusSource
}

// NewRouter wires the producer's chi router, attaches all middleware, and
// registers every route. It is the single source of truth for the producer's
// HTTP surface area.
func NewRouter(
	prod *producer.Producer,
	b Broker,
	ledger repository.Ledger,
	queue string,
	limits handler.BurstLimits,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := newBaseRouter(logger)

	// --- handler instances ---
	ph := handler.NewPublishHandler(prod, limits, logger)
	qh := handler.NewQueueHandler(b, ledger, queue, logger)
	hh := handler.NewHealthHandler(b)

	// --- routes ---
	r.Get("/health", hh.Health)
	r.Get("/ready", hh.Ready)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Post("/publish", ph.Publish)
	r.Post("/burst", ph.Burst)
	r.Get("/queue-status", qh.Status)
	r.Get("/items/{id}", qh.GetItem)

	return r
}

// NewOpsRouter serves only probes and the Prometheus scrape endpoint, for
// processes with no API of their own (the consumer).
func NewOpsRouter(conn handler.ConnectionReporter, reg prometheus.Gatherer, logger *zap.Logger) http.Handler {
	r := newBaseRouter(logger)

	hh := handler.NewHealthHandler(conn)
	r.Get("/health", hh.Health)
	r.Get("/ready", hh.Ready)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return r
}

func newBaseRouter(logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)          // recover panics, return 500
	r.Use(chimw.RealIP)             // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1<<20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)      // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	return r
}
