package voice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPipeline runs the drain callbacks by hand instead of off real timers.
func testPipeline(clock *fakeClock, sampleRate int) (*Pipeline, *[]func()) {
	p := newPipeline(Config{PlaybackSampleRate: sampleRate, Clock: clock})
	pending := &[]func(){}
	p.afterFunc = func(d time.Duration, f func()) *time.Timer {
		*pending = append(*pending, f)
		return nil
	}
	return p, pending
}

func pcmOfDuration(d time.Duration, sampleRate int) []byte {
	samples := int(d.Seconds() * float64(sampleRate))
	return make([]byte, 2*samples)
}

func TestSpeakingFlagRaisedOnFirstChunk(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p, _ := testPipeline(clock, 24000)

	assert.False(t, p.AgentSpeaking())
	p.PlayChunk(pcmOfDuration(100*time.Millisecond, 24000))
	assert.True(t, p.AgentSpeaking())
}

func TestSpeakingFlagLoweredOnlyAfterDrain(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p, pending := testPipeline(clock, 24000)

	p.PlayChunk(pcmOfDuration(100*time.Millisecond, 24000))
	require.Len(t, *pending, 1)

	// Drain callback fires but the chunk has not finished playing yet.
	clock.advance(50 * time.Millisecond)
	(*pending)[0]()
	assert.True(t, p.AgentSpeaking(), "chunk still playing, must stay muted")

	clock.advance(50 * time.Millisecond)
	(*pending)[0]()
	assert.False(t, p.AgentSpeaking())
}

func TestLaterChunkDefersUnmute(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p, pending := testPipeline(clock, 24000)

	p.PlayChunk(pcmOfDuration(100*time.Millisecond, 24000))
	clock.advance(20 * time.Millisecond)
	p.PlayChunk(pcmOfDuration(100*time.Millisecond, 24000))
	require.Len(t, *pending, 2)

	// First chunk's drain moment passes, but the second is still scheduled.
	clock.advance(80 * time.Millisecond)
	(*pending)[0]()
	assert.True(t, p.AgentSpeaking(), "second chunk owns the unmute")

	clock.advance(100 * time.Millisecond)
	(*pending)[1]()
	assert.False(t, p.AgentSpeaking())
}

func TestStopResetsSpeaking(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p, _ := testPipeline(clock, 24000)

	p.PlayChunk(pcmOfDuration(10*time.Second, 24000))
	require.True(t, p.AgentSpeaking())

	p.Stop()
	assert.False(t, p.AgentSpeaking())
	p.Stop() // Multiple stops are fine.
}
