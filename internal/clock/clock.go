// Package clock provides the single time source every other component
// must resolve `now()` through. In real mode it is wall-clock UTC; in
// sim mode it is a stored instant advanced explicitly by the Stime
// driver.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Clock is a mutex-guarded, optionally simulated, UTC instant source.
type Clock struct {
	mu      sync.Mutex
	simMode bool
	instant time.Time // only meaningful when simMode is true
}

// New creates a real-mode clock: now() returns wall-clock UTC.
func New() *Clock {
	return &Clock{simMode: false}
}

// NewSim creates a sim-mode clock starting at t.
func NewSim(t time.Time) *Clock {
	return &Clock{simMode: true, instant: t.UTC()}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.simMode {
		return c.instant
	}
	return time.Now().UTC()
}

// NowISO returns Now() formatted as UTC ISO-8601.
func (c *Clock) NowISO() string {
	return c.Now().Format(time.RFC3339)
}

// Today returns the calendar date (UTC midnight) of Now().
func (c *Clock) Today() time.Time {
	n := c.Now()
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
}

// IsSimMode reports whether this clock is driven by explicit set/advance
// calls rather than wall-clock time.
func (c *Clock) IsSimMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.simMode
}

// Set sets the absolute sim time. Fails if iso does not parse as UTC
// ISO-8601. Switches the clock into sim mode.
func (c *Clock) Set(iso string) error {
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return fmt.Errorf("clock: invalid ISO-8601 time %q: %w", iso, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.simMode = true
	c.instant = t.UTC()
	return nil
}

// SetTime is the non-string equivalent of Set, used internally by the
// Stime driver and tests.
func (c *Clock) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.simMode = true
	c.instant = t.UTC()
}

// Advance steps the clock monotonically forward by dur. dur must be > 0.
// Switches the clock into sim mode if it was not already.
func (c *Clock) Advance(dur time.Duration) error {
	if dur <= 0 {
		return fmt.Errorf("clock: advance duration must be > 0, got %s", dur)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.simMode {
		c.instant = time.Now().UTC()
		c.simMode = true
	}
	c.instant = c.instant.Add(dur)
	return nil
}

// validSnapMinutes are the only step sizes SnapToPreviousBoundary accepts.
var validSnapMinutes = map[int]bool{5: true, 15: true, 30: true, 60: true}

// SnapToPreviousBoundary floors the clock's minute to the previous
// multiple of stepMinutes. stepMinutes must be one of {5,15,30,60}.
func (c *Clock) SnapToPreviousBoundary(stepMinutes int) error {
	if !validSnapMinutes[stepMinutes] {
		return fmt.Errorf("clock: invalid snap step %d, must be one of 5,15,30,60", stepMinutes)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.instant
	if !c.simMode {
		t = time.Now().UTC()
	}
	floored := (t.Minute() / stepMinutes) * stepMinutes
	c.instant = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), floored, 0, 0, time.UTC)
	c.simMode = true
	return nil
}
