// Package voice runs the local audio half of a live conversation: microphone
// capture with auto-mute, level metering and gapless scheduled playback of
// streamed synthesis output.
package voice

import (
	"sync"
	"time"
)

// Clock exists so the scheduling algorithm is testable with a fake clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the Clock real pipelines run on.
var SystemClock Clock = systemClock{}

// Scheduler keeps the monotonically advancing playhead cursor that makes
// consecutive chunks play back-to-back with no gap and no overlap:
// each chunk starts at max(now, playhead), and the playhead advances by the
// chunk's duration.
type Scheduler struct {
	clock Clock

	mu       sync.Mutex
	playhead time.Time
}

func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	return &Scheduler{clock: clock}
}

// Schedule reserves playback time for one chunk and returns its start time plus
// how long the caller should wait before starting it (0 when already due).
func (s *Scheduler) Schedule(chunkDuration time.Duration) (start time.Time, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	start = now
	if s.playhead.After(now) {
		start = s.playhead
	}
	s.playhead = start.Add(chunkDuration)

	delay = start.Sub(now)
	if delay < 0 {
		delay = 0
	}
	return
}

// Playhead returns when everything scheduled so far will have drained.
func (s *Scheduler) Playhead() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playhead
}

// Drained reports whether all scheduled playback has finished.
func (s *Scheduler) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.playhead.After(s.clock.Now())
}

// Reset rewinds the cursor, e.g. after an aborted turn.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playhead = time.Time{}
}
