package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/workqueue/internal/api/middleware"
	"github.com/notifyhub/workqueue/internal/domain"
	"github.com/notifyhub/workqueue/internal/repository"
)

// StatusSource reports the broker's view of a queue.
type StatusSource interface {
	QueueStatus(ctx context.Context, queue string) (domain.QueueStatus, error)
}

// QueueHandler serves queue introspection: the broker's live depth plus
// this deployment's ledger history.
type QueueHandler struct {
	src    StatusSource
	ledger repository.Ledger
	queue  string
	logger *zap.Logger
}

func NewQueueHandler(src StatusSource, ledger repository.Ledger, queue string, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{src: src, ledger: ledger, queue: queue, logger: logger}
}

// Status handles GET /queue-status
//
// queueSize comes from the broker and counts ready items only. The ledger
// block is best effort and only covers items this deployment has seen.
//
// @Summary  Broker queue depth and ledger summary
// @Tags     queue
// @Produce  json
// @Success  200  {object}  map[string]any
// @Failure  503  {object}  map[string]any  "Broker not connected"
// @Router   /queue-status [get]
func (h *QueueHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.src.QueueStatus(r.Context(), h.queue)
	if err != nil {
		h.logger.Warn("queue status failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}

	body := map[string]any{
		"queue":     st.Name,
		"queueSize": st.Messages,
		"consumers": st.Consumers,
	}
	if summary, err := h.ledger.Summary(r.Context(), h.queue); err != nil {
		h.logger.Warn("ledger summary failed", zap.Error(err))
	} else {
		body["ledger"] = summary
	}
	respondJSON(w, http.StatusOK, body)
}

// GetItem handles GET /items/{id}
//
// @Summary  Ledger history of one work item
// @Tags     queue
// @Produce  json
// @Param    id   path      string  true  "Work item ID"
// @Success  200  {object}  domain.LedgerEntry
// @Failure  404  {object}  map[string]any
// @Router   /items/{id} [get]
func (h *QueueHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	entry, err := h.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}
