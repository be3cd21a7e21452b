package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedClock_DefaultEpoch(t *testing.T) {
	clock := NewFixedClock(time.Time{})
	assert.Equal(t, DefaultEpoch, clock.Now())
	assert.Equal(t, DefaultEpoch, clock.Now(), "a fixed clock does not move on its own")
}

func TestFixedClock_AdvanceAndSet(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFixedClock(start)

	clock.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), clock.Now())

	clock.Set(start)
	assert.Equal(t, start, clock.Now())
}

func TestSteppingClock(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := NewSteppingClock(start, time.Second)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start.Add(time.Second), clock.Now())
	assert.Equal(t, start.Add(2*time.Second), clock.Now())
}

func TestSteppingClock_ConcurrentCallsAreDistinct(t *testing.T) {
	clock := NewSteppingClock(time.Time{}, time.Millisecond)

	var (
		mu   sync.Mutex
		seen = map[time.Time]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := clock.Now()
			mu.Lock()
			seen[now] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestSequenceIDs(t *testing.T) {
	ids := NewSequenceIDs("batch", "fixed-a", "fixed-b")

	assert.Equal(t, "fixed-a", ids.Generate())
	assert.Equal(t, "fixed-b", ids.Generate())
	assert.Equal(t, "batch-3", ids.Generate())

	assert.Equal(t, "job-1", NewSequenceIDs("").Generate())
}
