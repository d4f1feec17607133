package voice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestSchedulerBackToBackChunks(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	scheduler := NewScheduler(clock)

	// First chunk starts immediately.
	start1, delay1 := scheduler.Schedule(100 * time.Millisecond)
	assert.Equal(t, clock.now, start1)
	assert.Zero(t, delay1)

	// Second chunk arrives while the first is still playing: no gap, no overlap.
	clock.advance(30 * time.Millisecond)
	start2, delay2 := scheduler.Schedule(50 * time.Millisecond)
	assert.Equal(t, start1.Add(100*time.Millisecond), start2)
	assert.Equal(t, 70*time.Millisecond, delay2)

	assert.Equal(t, start2.Add(50*time.Millisecond), scheduler.Playhead())
}

func TestSchedulerGapAfterDrain(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	scheduler := NewScheduler(clock)

	scheduler.Schedule(100 * time.Millisecond)

	// Next chunk arrives long after the previous drained: starts at now, not playhead.
	clock.advance(500 * time.Millisecond)
	start, delay := scheduler.Schedule(100 * time.Millisecond)
	assert.Equal(t, clock.now, start)
	assert.Zero(t, delay)
}

func TestSchedulerDrained(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	scheduler := NewScheduler(clock)
	assert.True(t, scheduler.Drained(), "a fresh scheduler has nothing pending")

	scheduler.Schedule(100 * time.Millisecond)
	assert.False(t, scheduler.Drained())

	clock.advance(99 * time.Millisecond)
	assert.False(t, scheduler.Drained())

	clock.advance(time.Millisecond)
	assert.True(t, scheduler.Drained())
}

func TestSchedulerReset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	scheduler := NewScheduler(clock)
	scheduler.Schedule(10 * time.Second)
	assert.False(t, scheduler.Drained())

	scheduler.Reset()
	assert.True(t, scheduler.Drained())
}
