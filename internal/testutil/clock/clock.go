// Package clock provides a controllable time source for tests.
package clock

import (
	"sync"
	"time"
)

// Reference is the default start instant: a Monday well clear of any DST transition.
var Reference = time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)

type Clock struct {
	mu      sync.Mutex
	current time.Time
}

// New returns a clock at start, or at Reference when start is zero.
func New(start time.Time) *Clock {
	if start.IsZero() {
		start = Reference
	}
	return &Clock{current: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NowFunc exposes Now for injection; a nil clock yields time.Now.
func (c *Clock) NowFunc() func() time.Time {
	if c == nil {
		return time.Now
	}
	return c.Now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	c.current = c.current.Add(d)
	t := c.current
	c.mu.Unlock()
	return t
}
