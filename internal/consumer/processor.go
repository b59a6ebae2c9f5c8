package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/notifyhub/workqueue/internal/domain"
)

// DefaultProcessingTime is how long SimulatedProcessor works on one item.
const DefaultProcessingTime = 2 * time.Second

// Processor does the actual work for one delivered item. A nil error means
// the item is done and may be acknowledged.
type Processor interface {
	Process(ctx context.Context, item domain.WorkItem) error
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, item domain.WorkItem) error

func (f ProcessorFunc) Process(ctx context.Context, item domain.WorkItem) error { return f(ctx, item) }

// SimulatedProcessor stands in for real work by waiting a fixed duration.
// It always runs to completion.
type SimulatedProcessor struct {
	Duration time.Duration
}

func (p SimulatedProcessor) Process(context.Context, domain.WorkItem) error {
	timer := time.NewTimer(p.Duration)
	defer timer.Stop()
	<-timer.C
	return nil
}

// WebhookRequest is the JSON body posted for each item.
type WebhookRequest struct {
	ID          string    `json:"id"`
	Payload     string    `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

// WebhookProcessor hands each item to an HTTP endpoint. Any 2xx response
// completes the item; everything else is a processing failure and the item
// is redelivered.
type WebhookProcessor struct {
	url        string
	httpClient *http.Client
}

func NewWebhookProcessor(url string, timeout time.Duration) *WebhookProcessor {
	return &WebhookProcessor{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (p *WebhookProcessor) Process(ctx context.Context, item domain.WorkItem) error {
	body, err := json.Marshal(WebhookRequest{
		ID:          item.ID,
		Payload:     item.Text(),
		PublishedAt: item.PublishedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if item.ID != "" {
		req.Header.Set("Idempotency-Key", item.ID)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected webhook status: %d", resp.StatusCode)
	}
	return nil
}

// compile-time checks
var (
	_ Processor = SimulatedProcessor{}
	_ Processor = (*WebhookProcessor)(nil)
	_ Processor = ProcessorFunc(nil)
)
