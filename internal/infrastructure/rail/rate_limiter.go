package rail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces outgoing transfer requests with a token bucket. After
// the rail answers 429 every request is held until the advertised
// Retry-After has passed.
type RateLimiter struct {
	limiter     *rate.Limiter
	waitTimeout time.Duration

	mu        sync.Mutex
	holdUntil time.Time

	now func() time.Time
}

// RateLimiterConfig contains configuration for the rate limiter.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained request rate. Zero disables pacing.
	RequestsPerSecond float64

	// BurstSize is the bucket capacity.
	BurstSize int

	// WaitTimeout bounds how long Allow waits for a token.
	WaitTimeout time.Duration

	// DefaultRetryAfter is used when a 429 carries no Retry-After header.
	DefaultRetryAfter time.Duration
}

// DefaultRateLimiterConfig returns defaults sized for a shared payment rail.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
		WaitTimeout:       2 * time.Second,
		DefaultRetryAfter: 5 * time.Second,
	}
}

// NewRateLimiter creates a limiter with a full bucket.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.BurstSize < 1 {
		config.BurstSize = 1
	}
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	return &RateLimiter{
		limiter:     rate.NewLimiter(limit, config.BurstSize),
		waitTimeout: config.WaitTimeout,
		now:         time.Now,
	}
}

// RateLimitError is returned when no token became available in time, or
// when the rail itself rejected the request as rate limited.
type RateLimitError struct {
	// RetryAfter is the suggested time to wait before retrying
	RetryAfter time.Duration

	Message string
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// Is matches any RateLimitError.
func (e *RateLimitError) Is(target error) bool {
	_, ok := target.(*RateLimitError)
	return ok
}

// ErrRateLimited matches every RateLimitError with errors.Is.
var ErrRateLimited = &RateLimitError{Message: "rail rate limit exceeded"}

// IsRateLimited reports whether err is a RateLimitError.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

func throttled(wait time.Duration) *RateLimitError {
	return &RateLimitError{
		RetryAfter: wait,
		Message:    fmt.Sprintf("rail rate limit exceeded, retry after %s", wait),
	}
}

// Allow blocks until a token is available. It gives up at once when the
// wait would exceed the timeout, and returns ctx.Err() when ctx is done
// first. A nil limiter allows everything.
func (rl *RateLimiter) Allow(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	now := rl.now()

	hold := rl.remainingHold(now)
	if hold > rl.waitTimeout {
		return throttled(hold)
	}

	// Reserve for the moment the hold ends so the two waits add up.
	at := now.Add(hold)
	r := rl.limiter.ReserveN(at, 1)
	if !r.OK() {
		return throttled(rl.waitTimeout)
	}
	wait := hold + r.DelayFrom(at)
	if wait > rl.waitTimeout {
		r.CancelAt(at)
		return throttled(wait)
	}
	if wait == 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (rl *RateLimiter) remainingHold(now time.Time) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Before(rl.holdUntil) {
		return rl.holdUntil.Sub(now)
	}
	return 0
}

// RecordRateLimitHit holds every request for retryAfter. A shorter hint
// never shortens a hold already in place.
func (rl *RateLimiter) RecordRateLimitHit(retryAfter time.Duration) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if until := rl.now().Add(retryAfter); until.After(rl.holdUntil) {
		rl.holdUntil = until
	}
}

// RateLimiterStatus is a point-in-time view of the bucket.
type RateLimiterStatus struct {
	AvailableTokens float64
	HoldUntil       time.Time
}

// Status returns the current status of the rate limiter.
func (rl *RateLimiter) Status() RateLimiterStatus {
	now := rl.now()
	rl.mu.Lock()
	hold := rl.holdUntil
	rl.mu.Unlock()
	return RateLimiterStatus{
		AvailableTokens: rl.limiter.TokensAt(now),
		HoldUntil:       hold,
	}
}
