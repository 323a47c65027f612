package testutil

import (
	"context"
	"sync"
	"time"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock fixed at start, truncated to milliseconds
// so values survive a round trip through storage.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC().Truncate(time.Millisecond)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// CountingLocker records lock calls and serializes holders in-process.
type CountingLocker struct {
	mu    sync.Mutex
	held  sync.Mutex
	calls int
}

// Lock acquires the lock; the name is ignored.
func (l *CountingLocker) Lock(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	l.held.Lock()
	return l.held.Unlock, nil
}

// Calls returns how many times Lock was called.
func (l *CountingLocker) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}
