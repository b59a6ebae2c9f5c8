package consumer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/notifyhub/workqueue/internal/consumer"
	"github.com/notifyhub/workqueue/internal/domain"
)

func TestSimulatedProcessor_RunsToCompletion(t *testing.T) {
	p := consumer.SimulatedProcessor{Duration: 40 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := p.Process(ctx, domain.WorkItem{Payload: []byte("x")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned after %v, want the full duration", elapsed)
	}
}

func TestWebhookProcessor_PostsItem(t *testing.T) {
	var got consumer.WebhookRequest
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		key = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := consumer.NewWebhookProcessor(srv.URL, time.Second)
	item := domain.WorkItem{ID: "abc", Payload: []byte("Work item 0")}
	if err := p.Process(context.Background(), item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "abc" || got.Payload != "Work item 0" {
		t.Errorf("body = %+v", got)
	}
	if key != "abc" {
		t.Errorf("Idempotency-Key = %q, want abc", key)
	}
}

func TestWebhookProcessor_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := consumer.NewWebhookProcessor(srv.URL, time.Second)
	if err := p.Process(context.Background(), domain.WorkItem{ID: "abc"}); err == nil {
		t.Fatal("expected an error for a 503 response")
	}
}

func TestWebhookProcessor_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := consumer.NewWebhookProcessor(srv.URL, 20*time.Millisecond)
	if err := p.Process(context.Background(), domain.WorkItem{ID: "abc"}); err == nil {
		t.Fatal("expected a timeout error")
	}
}
