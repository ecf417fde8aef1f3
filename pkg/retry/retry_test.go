package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func fast(p Policy) *Retrier {
	p.InitialDelay = time.Millisecond
	p.MaxDelay = 2 * time.Millisecond
	return New(p)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fast(Policy{MaxAttempts: 5}).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsWhenRetryIfRejects(t *testing.T) {
	calls := 0
	r := fast(Policy{MaxAttempts: 5, RetryIf: func(error) bool { return false }})
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errFlaky
	})

	assert.Same(t, errFlaky, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustedReturnsLastError(t *testing.T) {
	var attempts []int
	r := fast(Policy{
		MaxAttempts: 3,
		OnRetry:     func(a int, _ error, _ time.Duration) { attempts = append(attempts, a) },
	})
	err := r.Do(context.Background(), func(context.Context) error { return errFlaky })

	assert.Same(t, errFlaky, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDo_CancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := fast(Policy{}).Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errFlaky
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPresets(t *testing.T) {
	transient := errors.New("transient")
	calls := 0
	r := DatabaseRetrier(func(err error) bool { return errors.Is(err, transient) })
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return transient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	assert.Equal(t, 8, ConnectRetrier(nil).policy.MaxAttempts)
}
