package rateLimit

import (
	"context"
	"time"

	"github.com/robertarktes/reservation-allocator/internal/observability"
)

// Counter is a fixed-window counter, backed by redis in production.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

type RateLimiter struct {
	counter Counter
	logger  observability.Logger
}

func NewRateLimiter(counter Counter, logger observability.Logger) *RateLimiter {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &RateLimiter{counter: counter, logger: logger}
}

// Allow reports whether key is still under rate requests in the current period.
// When the counter is unreachable requests are let through.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) bool {
	n, err := rl.counter.Incr(ctx, "rl:"+key, period)
	if err != nil {
		rl.logger.WithError(err).Warn("rate limit counter unavailable")
		return true
	}
	if n > int64(rate) {
		observability.RateLimitExceeded.Inc()
		return false
	}
	return true
}
