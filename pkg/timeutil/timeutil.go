// Package timeutil provides the clock abstraction and UTC day arithmetic
// used by check-ins and voting deadlines.
package timeutil

import (
	"sync"
	"time"
)

// SecondsPerDay is the length of a check-in day.
const SecondsPerDay = 86400

// Clock supplies the current unix time in seconds.
type Clock interface {
	Now() int64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() int64 {
	return time.Now().Unix()
}

// ManualClock is a settable clock for tests and replays.
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

// NewManualClock creates a clock frozen at now.
func NewManualClock(now int64) *ManualClock {
	return &ManualClock{now: now}
}

// Now implements Clock.
func (c *ManualClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to now.
func (c *ManualClock) Set(now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Advance moves the clock forward by d, truncated to whole seconds.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += int64(d / time.Second)
}

// DayIndex returns floor(unix / 86400), clamping pre-epoch times to zero.
func DayIndex(unix int64) int64 {
	if unix <= 0 {
		return 0
	}
	return unix / SecondsPerDay
}

// IsConsecutiveDay reports whether next falls on the UTC day after prev.
func IsConsecutiveDay(prev, next int64) bool {
	return DayIndex(next) == DayIndex(prev)+1
}

// ToTime converts unix seconds to a UTC time.
func ToTime(unix int64) time.Time {
	return time.Unix(unix, 0).UTC()
}
