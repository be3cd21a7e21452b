package engine

import "time"

// Clock supplies wall time for materialized_at stamps. Ordering never
// depends on it: stage outputs are functions of their inputs alone.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
