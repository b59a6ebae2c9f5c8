package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/notifyhub/workqueue/internal/ratelimiter"
)

func TestPublishLimiter_UnlimitedNeverWaits(t *testing.T) {
	l := ratelimiter.New(0)
	start := time.Now()
	for i := 0; i < 1000; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if time.Since(start) > time.Second {
		t.Fatal("unlimited limiter should not pace publishes")
	}
}

func TestPublishLimiter_CancelledContext(t *testing.T) {
	l := ratelimiter.New(1)
	ctx, cancel := context.WithCancel(context.Background())

	// first token is available immediately
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected an error once the context is cancelled")
	}
}
