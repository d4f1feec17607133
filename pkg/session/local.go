package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/petrzlen/speechlink/pkg/profile"
	"github.com/petrzlen/speechlink/pkg/voice"
)

// localSession serves browser profiles (everything on-device, nothing billed)
// and doubles as the degraded fallback when no transport and no credentials
// exist: operations then succeed as zero-duration no-ops rather than failing.
type localSession struct {
	profile  profile.Profile
	meter    func(level float64)
	degraded bool

	mu        sync.Mutex
	listening bool
	onResult  func(text string, isFinal bool)
	pipeline  *voice.Pipeline
	destroyed bool
}

func newLocalSession(p profile.Profile, opts Options, degraded bool) *localSession {
	return &localSession{profile: p, meter: opts.Meter, degraded: degraded}
}

func (s *localSession) Speak(ctx context.Context, text string) (SpeakResult, error) {
	if s.degraded {
		log.Debug().Msg("degraded session, speak is a no-op")
	}
	// On-device synthesis is the host platform's concern; nothing to bill or stream.
	return SpeakResult{}, nil
}

func (s *localSession) StopSpeaking() {}

func (s *localSession) Listen(onResult func(text string, isFinal bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return ErrAlreadyListening
	}
	s.listening = true
	s.onResult = onResult
	return nil
}

func (s *localSession) StopListening(ctx context.Context) error {
	s.mu.Lock()
	onResult := s.onResult
	wasListening := s.listening
	s.listening = false
	s.onResult = nil
	s.mu.Unlock()

	if wasListening && onResult != nil {
		// On-device recognition produces its transcripts as it goes; the final
		// flush carries nothing extra.
		onResult("", true)
	}
	return nil
}

func (s *localSession) SendAudio(byteData []byte) {
	// Local recognition listens to the microphone itself; fed audio is dropped.
}

func (s *localSession) StartVoice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipeline != nil || s.destroyed {
		return nil // Idempotent.
	}
	if s.degraded {
		return nil
	}

	pipeline, err := voice.Start(voice.Config{
		Sink:  s.SendAudio,
		Meter: s.meter,
		// The continuous on-device recognition handle; restarted by the pipeline
		// whenever it ends while voice is still active.
		Recognize: s.recognizeOnce,
	})
	if err != nil {
		return err
	}
	s.pipeline = pipeline
	return nil
}

// recognizeOnce runs one pass of host-platform recognition. There is no
// portable on-device recognizer to call, so it just waits for cancellation.
func (s *localSession) recognizeOnce(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *localSession) StopVoice() {
	s.mu.Lock()
	pipeline := s.pipeline
	s.pipeline = nil
	s.mu.Unlock()
	if pipeline != nil {
		pipeline.Stop()
	}
}

func (s *localSession) Usage() Usage {
	return Usage{} // Nothing local is billed.
}

func (s *localSession) ResetUsage() {}

func (s *localSession) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.listening = false
	s.onResult = nil
	s.mu.Unlock()
	s.StopVoice()
}
