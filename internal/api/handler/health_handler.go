package handler

import (
	"net/http"

	"github.com/notifyhub/workqueue/internal/domain"
)

// ConnectionReporter exposes a broker connection's liveness.
// *broker.Client and *consumer.Pool satisfy it.
type ConnectionReporter interface {
	Connected() bool
	State() domain.ConnectionState
}

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	conn ConnectionReporter
}

func NewHealthHandler(conn ConnectionReporter) *HealthHandler {
	return &HealthHandler{conn: conn}
}

// Health handles GET /health
//
// The process is alive whether or not the broker is reachable, so this is
// always 200; connected tells the caller whether publishes would succeed.
//
// @Summary  Liveness probe
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]any
// @Router   /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": h.conn.Connected(),
		"state":     h.conn.State().String(),
	})
}

// Ready handles GET /ready
//
// @Summary  Readiness probe: 200 once connected to the broker, 503 otherwise
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]string
// @Failure  503  {object}  map[string]string
// @Router   /ready [get]
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.conn.Connected() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"state":  h.conn.State().String(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
