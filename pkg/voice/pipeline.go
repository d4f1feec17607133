package voice

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/petrzlen/speechlink/pkg/audioutil"
)

// Config wires a Pipeline into its session.
type Config struct {
	// Sink receives captured S16LE frames while the agent is not speaking.
	Sink func(frame []byte)
	// Meter, optional, receives each captured frame's RMS level.
	Meter func(level float64)
	// PlaybackSampleRate > 0 enables the duplex playback path at that rate.
	PlaybackSampleRate int
	// Recognize, when set, is the continuous on-device recognition handle:
	// it is restarted whenever it returns while voice is still active.
	Recognize func(ctx context.Context) error
	// Clock defaults to the system clock.
	Clock Clock
}

// Pipeline is the voice state of one live conversation. Only the owning session
// mutates it and it never outlives that session.
type Pipeline struct {
	capture   *capture
	playback  *playback
	scheduler *Scheduler
	clock     Clock

	playbackSampleRate int

	// afterFunc is swappable so the drain logic is testable without sleeping.
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu       sync.Mutex
	speaking bool

	recognizeCancel context.CancelFunc
	recognizeDone   chan struct{}

	stopOnce sync.Once
}

// Start acquires the audio hardware: always the microphone, plus a playback
// device when the config asks for one. Callers must Stop to release handles.
func Start(cfg Config) (*Pipeline, error) {
	p := newPipeline(cfg)

	mic, err := newCapture(cfg.Sink, cfg.Meter)
	if err != nil {
		return nil, err
	}
	if err = mic.start(); err != nil {
		mic.stop()
		return nil, err
	}
	p.capture = mic

	if cfg.PlaybackSampleRate > 0 {
		speaker, playbackErr := newPlayback(cfg.PlaybackSampleRate)
		if playbackErr != nil {
			mic.stop()
			return nil, playbackErr
		}
		p.playback = speaker
	}

	p.startRecognizeLoop(cfg.Recognize)
	return p, nil
}

func newPipeline(cfg Config) *Pipeline {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	return &Pipeline{
		scheduler:          NewScheduler(clock),
		clock:              clock,
		playbackSampleRate: cfg.PlaybackSampleRate,
		afterFunc:          time.AfterFunc,
	}
}

func (p *Pipeline) startRecognizeLoop(recognize func(ctx context.Context) error) {
	if recognize == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.recognizeCancel = cancel
	p.recognizeDone = make(chan struct{})

	go func() {
		defer close(p.recognizeDone)
		for {
			err := recognize(ctx)
			if ctx.Err() != nil {
				return
			}
			// The handle ended while voice is still active: restart it.
			log.Debug().Err(err).Msg("continuous recognition ended, restarting")
		}
	}()
}

// PlayChunk schedules one chunk of synthesized output. The agent-speaking flag
// goes up with the first chunk and comes down only once the scheduled playback
// has fully drained, which is what defers un-muting the microphone.
func (p *Pipeline) PlayChunk(pcm []byte) {
	chunkDuration := audioutil.PCM16Duration(len(pcm), p.playbackSampleRate)
	_, _ = p.scheduler.Schedule(chunkDuration)
	p.setSpeaking(true)

	if p.playback != nil {
		p.playback.enqueue(pcm)
	}

	drainDelay := p.scheduler.Playhead().Sub(p.clock.Now())
	p.afterFunc(drainDelay, func() {
		// A later chunk may have pushed the playhead further; it owns the unmute then.
		if p.scheduler.Drained() {
			p.setSpeaking(false)
		}
	})
}

// AgentSpeaking reports whether synthesized audio is still scheduled or playing.
func (p *Pipeline) AgentSpeaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

func (p *Pipeline) setSpeaking(speaking bool) {
	p.mu.Lock()
	changed := p.speaking != speaking
	p.speaking = speaking
	p.mu.Unlock()

	if changed && p.capture != nil {
		p.capture.setMuted(speaking)
	}
	if changed {
		log.Debug().Bool("agent_speaking", speaking).Msg("auto-mute flipped")
	}
}

// Stop releases all audio hardware handles; safe to call multiple times.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		if p.recognizeCancel != nil {
			p.recognizeCancel()
			<-p.recognizeDone
		}
		if p.capture != nil {
			p.capture.stop()
		}
		if p.playback != nil {
			p.playback.close()
		}
		p.scheduler.Reset()
		p.setSpeaking(false)
	})
}
