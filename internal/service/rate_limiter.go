package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter implements per-client submission rate limiting with a token bucket per key
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

// NewRateLimiter creates a limiter allowing maxSubmissionsPerMinute per client key with
// bursts of up to burst submissions. A non-positive rate disables limiting.
func NewRateLimiter(maxSubmissionsPerMinute, burst int) *RateLimiter {
	limit := rate.Inf
	if maxSubmissionsPerMinute > 0 {
		limit = rate.Limit(float64(maxSubmissionsPerMinute) / 60.0)
	}
	if burst <= 0 {
		burst = maxSubmissionsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
		now:      time.Now,
	}
}

func (rl *RateLimiter) limiterFor(clientKey string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[clientKey]
	if !exists {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[clientKey] = limiter
	}
	return limiter
}

// CheckSubmissionRate consumes one submission token for clientKey
func (rl *RateLimiter) CheckSubmissionRate(ctx context.Context, clientKey string) error {
	if !rl.limiterFor(clientKey).AllowN(rl.now(), 1) {
		return ErrRateLimitExceeded
	}
	return nil
}
