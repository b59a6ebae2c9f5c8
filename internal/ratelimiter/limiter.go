package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// PublishLimiter paces producer publishes with a token bucket.
// Burst equals the rate so a long burst request cannot front-load more than
// one second's worth of publishes.
type PublishLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing ratePerSec publishes per second.
// ratePerSec <= 0 disables pacing entirely.
func New(ratePerSec int) *PublishLimiter {
	if ratePerSec <= 0 {
		return &PublishLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &PublishLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)}
}

// Wait blocks until a publish token is available.
// Returns a non-nil error only if ctx is cancelled while waiting.
func (l *PublishLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}
