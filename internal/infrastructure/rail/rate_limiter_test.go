package rail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTime struct{ t time.Time }

func (f *fakeTime) now() time.Time          { return f.t }
func (f *fakeTime) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLimiter(cfg RateLimiterConfig) (*RateLimiter, *fakeTime) {
	ft := &fakeTime{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(cfg)
	rl.now = ft.now
	return rl, ft
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	rl, ft := newTestLimiter(RateLimiterConfig{RequestsPerSecond: 2, BurstSize: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Allow(ctx), "burst token %d", i)
	}
	err := rl.Allow(ctx)
	require.Error(t, err)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 500*time.Millisecond, rle.RetryAfter)

	ft.advance(500 * time.Millisecond)
	assert.NoError(t, rl.Allow(ctx))
	assert.True(t, IsRateLimited(rl.Allow(ctx)))

	// Refill is capped at the burst size.
	ft.advance(time.Hour)
	assert.InDelta(t, 3.0, rl.Status().AvailableTokens, 0.001)
}

func TestRateLimiter_HoldAfterRateLimitHit(t *testing.T) {
	rl, ft := newTestLimiter(RateLimiterConfig{RequestsPerSecond: 10, BurstSize: 10})
	ctx := context.Background()

	rl.RecordRateLimitHit(5 * time.Second)
	assert.True(t, IsRateLimited(rl.Allow(ctx)))
	assert.Equal(t, ft.t.Add(5*time.Second), rl.Status().HoldUntil)

	ft.advance(4 * time.Second)
	assert.True(t, IsRateLimited(rl.Allow(ctx)))

	// A shorter hint never shortens an existing hold.
	rl.RecordRateLimitHit(500 * time.Millisecond)
	assert.Equal(t, ft.t.Add(time.Second), rl.Status().HoldUntil)

	ft.advance(2 * time.Second)
	assert.NoError(t, rl.Allow(ctx))
}

func TestRateLimiter_AllowGivesUpPastTimeout(t *testing.T) {
	rl, _ := newTestLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1, WaitTimeout: 10 * time.Millisecond})

	require.NoError(t, rl.Allow(context.Background()))
	err := rl.Allow(context.Background())
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
}

func TestRateLimiter_AllowHonorsContext(t *testing.T) {
	rl, _ := newTestLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1, WaitTimeout: time.Minute})
	require.NoError(t, rl.Allow(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := rl.Allow(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRateLimiter_NilIsUnlimited(t *testing.T) {
	var rl *RateLimiter
	assert.NoError(t, rl.Allow(context.Background()))
	rl.RecordRateLimitHit(time.Second)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 12*time.Second, retryAfter(" 12 ", time.Minute))
	assert.Equal(t, time.Minute, retryAfter("Wed, 21 Oct 2015 07:28:00 GMT", time.Minute))
	assert.Equal(t, time.Minute, retryAfter("", time.Minute))
}
