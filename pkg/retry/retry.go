// Package retry retries idempotent operations with exponential backoff. It
// is used while connecting to backing services at startup and on the read
// side of the store. Fund transfers are never retried.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes one backoff schedule.
type Policy struct {
	// MaxAttempts counts the first attempt. Zero means until ctx is done.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Jitter spreads each delay by ±Jitter of its value.
	Jitter float64

	// RetryIf decides which errors are worth another attempt. Nil retries
	// every error.
	RetryIf func(error) bool

	// OnRetry runs before each sleep. attempt is the one that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Retrier runs operations under one Policy.
type Retrier struct {
	policy Policy
}

// New creates a Retrier.
func New(policy Policy) *Retrier {
	return &Retrier{policy: policy}
}

// Do runs op until it succeeds, fails with an error RetryIf rejects, runs
// out of attempts or ctx is done. The last error of op is returned as is;
// a cancelled ctx returns ctx.Err().
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err != nil && r.policy.RetryIf != nil && !r.policy.RetryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt, err, delay)
		}
	}
	return backoff.RetryNotify(operation, r.schedule(ctx), notify)
}

func (r *Retrier) schedule(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.policy.InitialDelay
	exp.MaxInterval = r.policy.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = r.policy.Jitter
	exp.MaxElapsedTime = 0

	var b backoff.BackOff = exp
	if r.policy.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(r.policy.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// ConnectRetrier is used while dialing Postgres and Redis at startup, when
// the containers may still be coming up. Every error is retried.
func ConnectRetrier(onRetry func(attempt int, err error, delay time.Duration)) *Retrier {
	return New(Policy{
		MaxAttempts:  8,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Jitter:       0.2,
		OnRetry:      onRetry,
	})
}

// DatabaseRetrier retries read-only queries that failed with an error
// retryIf accepts.
func DatabaseRetrier(retryIf func(error) bool) *Retrier {
	return New(Policy{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Jitter:       0.05,
		RetryIf:      retryIf,
	})
}
