package testutil

import (
	"strconv"
	"sync"
	"time"
)

// DefaultEpoch is the instant a FixedClock starts at when none is given.
var DefaultEpoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// FixedClock is a manually advanced wall clock for tests.
//
// Every component that stamps a timestamp (received_at, lease expiry,
// materialized_at) takes a clock, so a scenario run with a FixedClock
// produces byte-identical artifacts.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FixedClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewFixedClock creates a clock frozen at start. A zero start uses DefaultEpoch.
func NewFixedClock(start time.Time) *FixedClock {
	if start.IsZero() {
		start = DefaultEpoch
	}
	return &FixedClock{now: start.UTC()}
}

// NewSteppingClock creates a clock that advances by step after every Now call.
// Useful when successive events need distinct received_at stamps.
func NewSteppingClock(start time.Time, step time.Duration) *FixedClock {
	c := NewFixedClock(start)
	c.step = step
	return c
}

// Now returns the current instant, then applies the configured step.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// SequenceIDs returns predetermined ids in order, then "<prefix>-<n>" once
// the list is exhausted.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequenceIDs struct {
	mu     sync.Mutex
	prefix string
	ids    []string
	n      int
}

// NewSequenceIDs creates an id generator. With no ids it yields
// "<prefix>-1", "<prefix>-2", ...
func NewSequenceIDs(prefix string, ids ...string) *SequenceIDs {
	if prefix == "" {
		prefix = "job"
	}
	return &SequenceIDs{prefix: prefix, ids: ids}
}

// Generate returns the next id.
func (g *SequenceIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	if g.n <= len(g.ids) {
		return g.ids[g.n-1]
	}
	return g.prefix + "-" + strconv.Itoa(g.n)
}
