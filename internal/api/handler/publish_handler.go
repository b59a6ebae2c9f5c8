package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	apimw "github.com/notifyhub/workqueue/internal/api/middleware"
	"github.com/notifyhub/workqueue/internal/domain"
	"github.com/notifyhub/workqueue/internal/producer"
)

// BurstLimits shapes POST /burst.
type BurstLimits struct {
	DefaultCount int // used when the request has no count, or count 0
	Max          int // 0 = unbounded
	Preview      int // payloads echoed back in the response
}

// PublishHandler serves the producer endpoints.
type PublishHandler struct {
	prod   *producer.Producer
	limits BurstLimits
	logger *zap.Logger
}

func NewPublishHandler(prod *producer.Producer, limits BurstLimits, logger *zap.Logger) *PublishHandler {
	return &PublishHandler{prod: prod, limits: limits, logger: logger}
}

type publishResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ID      string `json:"id"`
}

type burstResponse struct {
	Success  bool     `json:"success"`
	Count    int      `json:"count"`
	Messages []string `json:"messages"`
}

// Publish handles POST /publish
//
// @Summary     Publish one work item
// @Tags        producer
// @Accept      json
// @Produce     json
// @Param       body  body      domain.PublishRequest  false  "Optional custom payload"
// @Success     200   {object}  publishResponse
// @Failure     422   {object}  map[string]any
// @Failure     503   {object}  map[string]any  "Broker not connected"
// @Router      /publish [post]
func (h *PublishHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req domain.PublishRequest
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		mapError(w, err)
		return
	}

	item, err := h.prod.PublishOne(r.Context(), req.Message)
	if err != nil {
		h.logger.Warn("publish failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, publishResponse{Success: true, Message: item.Text(), ID: item.ID})
}

// Burst handles POST /burst
//
// Items are published one after another; the first failure stops the burst
// and the 503 response reports how many made it.
//
// @Summary     Publish a burst of work items
// @Tags        producer
// @Accept      json
// @Produce     json
// @Param       body  body      domain.BurstRequest  false  "Optional count and label prefix"
// @Success     200   {object}  burstResponse
// @Failure     422   {object}  map[string]any
// @Failure     503   {object}  map[string]any  "Broker not connected, or burst aborted part way"
// @Router      /burst [post]
func (h *PublishHandler) Burst(w http.ResponseWriter, r *http.Request) {
	var req domain.BurstRequest
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(h.limits.Max); err != nil {
		mapError(w, err)
		return
	}
	count := req.Count
	if count == 0 {
		count = h.limits.DefaultCount
	}

	res, err := h.prod.PublishBurst(r.Context(), count, req.Prefix)
	if err != nil {
		h.logger.Warn("burst failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Int("published", res.Published()),
			zap.Int("requested", count),
			zap.Error(err),
		)
		if errors.Is(err, domain.ErrBurstAborted) {
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{
				"success":   false,
				"error":     err.Error(),
				"published": res.Published(),
				"requested": count,
			})
			return
		}
		mapError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, burstResponse{
		Success:  true,
		Count:    res.Published(),
		Messages: res.Payloads(h.limits.Preview),
	})
}
