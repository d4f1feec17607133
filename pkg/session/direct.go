package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/petrzlen/speechlink/pkg/profile"
	"github.com/petrzlen/speechlink/pkg/providers"
	"github.com/petrzlen/speechlink/pkg/voice"
)

// Fallback when a duplex adapter does not advertise its playback rate.
const defaultDuplexOutputSampleRate = 24000

// directSession talks straight to the provider adapters, no gateway in between.
// Usage here is measured locally in wall-clock time.
type directSession struct {
	profile profile.Profile
	mode    profile.Mode
	meter   func(level float64)

	// Adapters resolved once at creation; which are non-nil depends on the mode.
	tts          providers.StreamingTTS
	stt          providers.STT
	duplexDialer providers.Duplex

	mu        sync.Mutex
	usage     Usage
	destroyed bool

	speakCancel context.CancelFunc
	// speakChunks collects duplex reply-turn audio while a speak is pending.
	speakChunks  [][]byte
	speakPending bool

	listening   bool
	listenStart time.Time
	recognition providers.SpeechSession
	onResult    func(text string, isFinal bool)

	duplex   providers.DuplexSession
	pipeline *voice.Pipeline
}

func newDirectSession(p profile.Profile, opts Options) (*directSession, error) {
	s := &directSession{profile: p, mode: p.Mode(), meter: opts.Meter}

	switch s.mode {
	case profile.ModeS2S:
		dialer, err := providers.NewDuplex(p.TTS.Provider, providers.Config{APIKey: opts.APIKeys[p.TTS.Provider]})
		if err != nil {
			return nil, errors.Wrap(err, "cannot create duplex adapter")
		}
		s.duplexDialer = dialer
	case profile.ModeTTSSTT:
		if p.TTS.Provider != profile.ProviderLocal {
			tts, err := providers.NewStreamingTTS(p.TTS.Provider, providers.Config{APIKey: opts.APIKeys[p.TTS.Provider]})
			if err != nil {
				return nil, errors.Wrap(err, "cannot create tts adapter")
			}
			s.tts = tts
		}
		if p.STT.Provider != profile.ProviderLocal {
			stt, err := providers.NewSTT(p.STT.Provider, providers.Config{APIKey: opts.APIKeys[p.STT.Provider]})
			if err != nil {
				return nil, errors.Wrap(err, "cannot create stt adapter")
			}
			s.stt = stt
		}
	}
	return s, nil
}

func (s *directSession) Speak(ctx context.Context, text string) (result SpeakResult, err error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		err = ErrDestroyed
		return
	}
	speakCtx, cancel := context.WithCancel(ctx)
	s.speakCancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.speakCancel = nil
		s.mu.Unlock()
	}()

	startTime := time.Now()
	if s.mode == profile.ModeS2S {
		result, err = s.speakDuplex(speakCtx, text)
	} else {
		result, err = s.speakStreaming(speakCtx, text)
	}
	if err != nil {
		return
	}

	elapsed := time.Since(startTime)
	result.DurationMs = elapsed.Milliseconds()
	s.addUsage(elapsed.Seconds(), 0)
	return
}

// speakDuplex sends text into the duplex channel and awaits the provider's
// reply turn. A turn-complete that never arrives still resolves at the turn
// timeout, flushing whatever audio/transcript accumulated.
func (s *directSession) speakDuplex(ctx context.Context, text string) (result SpeakResult, err error) {
	duplex, err := s.ensureDuplex(ctx)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.speakPending = true
	s.speakChunks = nil
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		result.AudioChunks = s.speakChunks
		s.speakPending = false
		s.speakChunks = nil
		s.mu.Unlock()
	}()

	if err = duplex.SendText(text); err != nil {
		err = errors.Wrap(err, "cannot send text into duplex channel")
		return
	}

	turnCtx, cancelTurn := context.WithTimeout(ctx, TurnCompleteTimeout)
	defer cancelTurn()
	transcript, err := duplex.Finish(turnCtx)
	if err != nil {
		return
	}
	result.Transcript = transcript.Text
	return
}

func (s *directSession) speakStreaming(ctx context.Context, text string) (result SpeakResult, err error) {
	if s.tts == nil {
		return // Local synthesis leg, nothing to stream.
	}

	chunks := make(chan []byte, 16)
	synthesisErr := make(chan error, 1)
	go func() {
		synthesisErr <- s.tts.Synthesize(ctx, text, chunks)
	}()

	for chunk := range chunks {
		result.AudioChunks = append(result.AudioChunks, chunk)
	}
	if err = <-synthesisErr; err != nil {
		err = errors.Wrap(err, "synthesis failed")
	}
	return
}

func (s *directSession) StopSpeaking() {
	s.mu.Lock()
	cancel := s.speakCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel() // Truncates the stream; not an error.
	}
}

func (s *directSession) Listen(onResult func(text string, isFinal bool)) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.listening {
		s.mu.Unlock()
		return ErrAlreadyListening
	}

	if s.mode == profile.ModeS2S {
		// The duplex channel doubles as the recognition operation, so it must
		// be up before any audio is fed.
		s.onResult = onResult
		s.mu.Unlock()

		connectCtx, cancel := context.WithTimeout(context.Background(), ConnectReadyTimeout)
		defer cancel()
		if _, err := s.ensureDuplex(connectCtx); err != nil {
			s.mu.Lock()
			s.onResult = nil
			s.mu.Unlock()
			return err
		}

		s.mu.Lock()
		s.listening = true
		s.listenStart = time.Now()
		s.mu.Unlock()
		return nil
	}
	defer s.mu.Unlock()

	if s.stt == nil {
		return errors.New("profile has no recognition provider")
	}
	recognition, err := s.stt.OpenRecognition()
	if err != nil {
		return errors.Wrap(err, "cannot open recognition")
	}
	s.recognition = recognition
	s.onResult = onResult
	s.listening = true
	s.listenStart = time.Now()
	return nil
}

func (s *directSession) StopListening(ctx context.Context) error {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return nil
	}
	recognition := s.recognition
	duplex := s.duplex
	onResult := s.onResult
	listenStart := s.listenStart
	s.listening = false
	s.recognition = nil
	s.mu.Unlock()

	var transcript providers.Transcript
	var err error
	switch {
	case recognition != nil:
		transcript, err = recognition.Finish(ctx)
	case duplex != nil:
		turnCtx, cancelTurn := context.WithTimeout(ctx, TurnCompleteTimeout)
		defer cancelTurn()
		transcript, err = duplex.Finish(turnCtx)
	}
	if err != nil {
		return errors.Wrap(err, "cannot finalize recognition")
	}

	if onResult != nil {
		onResult(transcript.Text, true)
	}
	s.addUsage(0, time.Since(listenStart).Seconds())
	return nil
}

func (s *directSession) SendAudio(byteData []byte) {
	s.mu.Lock()
	recognition := s.recognition
	duplex := s.duplex
	listening := s.listening
	s.mu.Unlock()

	switch {
	case recognition != nil:
		recognition.Feed(byteData)
	case duplex != nil && listening:
		duplex.Feed(byteData)
	default:
		// No operation is open; captured audio is silently dropped.
	}
}

func (s *directSession) StartVoice() error {
	s.mu.Lock()
	if s.pipeline != nil || s.destroyed {
		s.mu.Unlock()
		return nil // Idempotent.
	}
	s.mu.Unlock()

	playbackRate := 0
	if s.mode == profile.ModeS2S {
		connectCtx, cancel := context.WithTimeout(context.Background(), ConnectReadyTimeout)
		defer cancel()
		duplex, err := s.ensureDuplex(connectCtx)
		if err != nil {
			return err
		}
		playbackRate = defaultDuplexOutputSampleRate
		if rated, ok := duplex.(providers.OutputSampleRate); ok {
			playbackRate = rated.OutputSampleRate()
		}
	}

	pipeline, err := voice.Start(voice.Config{
		Sink:               s.SendAudio,
		Meter:              s.meter,
		PlaybackSampleRate: playbackRate,
	})
	if err != nil {
		return errors.Wrap(err, "cannot start voice pipeline")
	}

	s.mu.Lock()
	s.pipeline = pipeline
	s.mu.Unlock()
	return nil
}

func (s *directSession) StopVoice() {
	s.mu.Lock()
	pipeline := s.pipeline
	s.pipeline = nil
	wasListening := s.listening
	s.mu.Unlock()

	if pipeline != nil {
		pipeline.Stop()
	}
	if wasListening {
		// StopVoice aborts any in-flight recognition.
		abortCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		dbgErr(s.StopListening(abortCtx))
	}
}

// ensureDuplex lazily dials the duplex channel; at most one is ever open.
func (s *directSession) ensureDuplex(ctx context.Context) (providers.DuplexSession, error) {
	s.mu.Lock()
	if s.duplex != nil {
		duplex := s.duplex
		s.mu.Unlock()
		return duplex, nil
	}
	s.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, ConnectReadyTimeout)
	defer cancel()
	duplex, err := s.duplexDialer.Connect(connectCtx, providers.DuplexHandlers{
		OnAudio:      s.onDuplexAudio,
		OnTranscript: s.onDuplexTranscript,
	})
	if err != nil {
		return nil, errors.Wrap(err, "duplex channel not ready")
	}

	s.mu.Lock()
	s.duplex = duplex
	s.mu.Unlock()
	return duplex, nil
}

func (s *directSession) onDuplexAudio(byteData []byte) {
	s.mu.Lock()
	if s.speakPending {
		s.speakChunks = append(s.speakChunks, byteData)
	}
	pipeline := s.pipeline
	s.mu.Unlock()

	if pipeline != nil {
		pipeline.PlayChunk(byteData)
	}
}

func (s *directSession) onDuplexTranscript(text string, isFinal bool) {
	s.mu.Lock()
	onResult := s.onResult
	s.mu.Unlock()
	if onResult != nil {
		onResult(text, isFinal)
	}
}

func (s *directSession) addUsage(ttsSeconds, sttSeconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.TTSSeconds += ttsSeconds
	s.usage.STTSeconds += sttSeconds
	s.usage.EstimatedCost = profile.EstimateCost(s.profile, s.usage.TTSSeconds, s.usage.STTSeconds)
}

func (s *directSession) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *directSession) ResetUsage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = Usage{}
}

func (s *directSession) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	cancel := s.speakCancel
	duplex := s.duplex
	pipeline := s.pipeline
	s.duplex = nil
	s.pipeline = nil
	s.listening = false
	s.recognition = nil
	s.onResult = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pipeline != nil {
		pipeline.Stop()
	}
	if duplex != nil {
		duplex.Destroy()
	}
}

func dbgErr(err error) {
	if err != nil {
		log.Debug().Err(err).Msg("sth non-essential failed")
	}
}
