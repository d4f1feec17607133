package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/petrzlen/speechlink/pkg/profile"
	"github.com/petrzlen/speechlink/pkg/voice"
	"github.com/petrzlen/speechlink/pkg/wire"
)

// frameConn is the little slice of a websocket the proxied strategy needs;
// tests substitute an in-memory pipe.
type frameConn interface {
	WriteText(data []byte) error
	WriteBinary(data []byte) error
	// ReadFrame blocks for the next frame, preserving per-direction arrival order.
	ReadFrame() (binary bool, data []byte, err error)
	Close() error
}

type wsFrameConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsFrameConn) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsFrameConn) WriteBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsFrameConn) ReadFrame() (bool, []byte, error) {
	messageType, data, err := c.conn.ReadMessage()
	return messageType == websocket.BinaryMessage, data, err
}

func (c *wsFrameConn) Close() error {
	return c.conn.Close()
}

// proxiedSession replays the session API over the wire protocol against a
// protocol gateway. The usage accumulator only mirrors server-pushed numbers;
// the client never computes them itself.
type proxiedSession struct {
	profile profile.Profile
	mode    profile.Mode
	meter   func(level float64)
	conn    frameConn

	ready     chan struct{}
	readyErr  error
	readerEnd chan struct{}

	mu        sync.Mutex
	usage     Usage
	destroyed bool

	// pendingSpeak is the single outstanding speak continuation, nil when idle.
	pendingSpeak    chan speakOutcome
	speakChunks     [][]byte
	speakTranscript string

	listening   bool
	onResult    func(text string, isFinal bool)
	// pendingStop waits for the final transcript after listen.stop.
	pendingStop chan struct{}

	pipeline *voice.Pipeline
}

type speakOutcome struct {
	durationMs int64
	err        error
}

func newProxiedSession(p profile.Profile, opts Options) (*proxiedSession, error) {
	dialCtx, cancel := context.WithTimeout(context.Background(), ConnectReadyTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, opts.ServerURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot dial gateway at %s", opts.ServerURL)
	}

	apiKey := opts.APIKeys[p.TTS.Provider]
	return newProxiedSessionWithConn(p, opts, &wsFrameConn{conn: conn}, apiKey)
}

func newProxiedSessionWithConn(p profile.Profile, opts Options, conn frameConn, apiKey string) (*proxiedSession, error) {
	s := &proxiedSession{
		profile:   p,
		mode:      p.Mode(),
		meter:     opts.Meter,
		conn:      conn,
		ready:     make(chan struct{}),
		readerEnd: make(chan struct{}),
	}
	go s.readFramesRoutine()

	start := wire.ClientMessage{Type: wire.TypeSessionStart, Profile: p.ID, APIKey: apiKey}
	if err := conn.WriteText(wire.Marshal(start)); err != nil {
		dbgErr(conn.Close())
		return nil, errors.Wrap(err, "cannot start gateway session")
	}

	select {
	case <-s.ready:
		if s.readyErr != nil {
			dbgErr(conn.Close())
			return nil, s.readyErr
		}
		return s, nil
	case <-s.readerEnd:
		return nil, fmt.Errorf("gateway closed the connection before session.ready")
	case <-time.After(ConnectReadyTimeout):
		dbgErr(conn.Close())
		return nil, fmt.Errorf("gateway session not ready within %s", ConnectReadyTimeout)
	}
}

func (s *proxiedSession) readFramesRoutine() {
	defer close(s.readerEnd)
	for {
		binary, data, err := s.conn.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Info().Msg("gateway connection closed normally")
			} else {
				s.mu.Lock()
				destroyed := s.destroyed
				s.mu.Unlock()
				if !destroyed {
					log.Error().Err(err).Msg("gateway connection read failed")
				}
			}
			s.failPending(errors.Wrap(err, "gateway connection lost"))
			return
		}

		if binary {
			s.handleAudioFrame(data)
			continue
		}

		msg, parseErr := wire.ParseServerMessage(data)
		if parseErr != nil {
			log.Error().Err(parseErr).Msgf("couldn't decode gateway message: %.200s", string(data))
			continue
		}
		s.handleServerMessage(msg)
	}
}

func (s *proxiedSession) handleAudioFrame(data []byte) {
	s.mu.Lock()
	if s.pendingSpeak != nil {
		s.speakChunks = append(s.speakChunks, data)
	}
	pipeline := s.pipeline
	s.mu.Unlock()

	if pipeline != nil {
		pipeline.PlayChunk(data)
	}
}

func (s *proxiedSession) handleServerMessage(msg wire.ServerMessage) {
	switch msg.Type {
	case wire.TypeSessionReady:
		log.Info().Str("mode", msg.Mode).Str("note", msg.Note).Msg("gateway session ready")
		close(s.ready)

	case wire.TypeAudioStart:
		log.Debug().Str("content_type", msg.ContentType).Msg("gateway audio stream starting")

	case wire.TypeAudioEnd:
		var durationMs int64
		if msg.DurationMs != nil {
			durationMs = *msg.DurationMs
		}
		s.completeSpeak(speakOutcome{durationMs: durationMs})

	case wire.TypeTranscript:
		s.mu.Lock()
		onResult := s.onResult
		pendingStop := s.pendingStop
		if msg.IsFinal {
			s.pendingStop = nil
		}
		if s.pendingSpeak != nil && msg.IsFinal {
			s.speakTranscript = msg.Text
		}
		s.mu.Unlock()

		if onResult != nil {
			onResult(msg.Text, msg.IsFinal)
		}
		if msg.IsFinal && pendingStop != nil {
			close(pendingStop)
		}

	case wire.TypeUsage:
		// Server-reported usage is authoritative; mirror, never compute.
		s.mu.Lock()
		if msg.TTSSeconds != nil {
			s.usage.TTSSeconds = *msg.TTSSeconds
		}
		if msg.STTSeconds != nil {
			s.usage.STTSeconds = *msg.STTSeconds
		}
		if msg.EstimatedCost != nil {
			s.usage.EstimatedCost = *msg.EstimatedCost
		}
		s.mu.Unlock()

	case wire.TypeError:
		err := fmt.Errorf("gateway error %s: %s", msg.Code, msg.Message)
		s.mu.Lock()
		readyPending := false
		select {
		case <-s.ready:
		default:
			readyPending = true
		}
		if readyPending {
			s.readyErr = err
		}
		s.mu.Unlock()
		if readyPending {
			close(s.ready)
			return
		}
		if !s.completeSpeak(speakOutcome{err: err}) {
			log.Error().Str("code", msg.Code).Str("message", msg.Message).Msg("gateway reported an error")
		}

	default:
		log.Trace().Str("type", msg.Type).Msg("ignoring gateway message")
	}
}

// completeSpeak resolves the pending speak slot; returns false when none is open.
func (s *proxiedSession) completeSpeak(outcome speakOutcome) bool {
	s.mu.Lock()
	pending := s.pendingSpeak
	s.pendingSpeak = nil
	s.mu.Unlock()
	if pending == nil {
		return false
	}
	pending <- outcome
	return true
}

func (s *proxiedSession) failPending(err error) {
	s.completeSpeak(speakOutcome{err: err})
	s.mu.Lock()
	pendingStop := s.pendingStop
	s.pendingStop = nil
	s.mu.Unlock()
	if pendingStop != nil {
		close(pendingStop)
	}
}

func (s *proxiedSession) Speak(ctx context.Context, text string) (result SpeakResult, err error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		err = ErrDestroyed
		return
	}
	if s.pendingSpeak != nil {
		s.mu.Unlock()
		err = errors.New("a speak operation is already in flight")
		return
	}
	pending := make(chan speakOutcome, 1)
	s.pendingSpeak = pending
	s.speakChunks = nil
	s.speakTranscript = ""
	s.mu.Unlock()

	startTime := time.Now()
	msg := wire.ClientMessage{Type: wire.TypeSpeak, Text: text}
	if err = s.conn.WriteText(wire.Marshal(msg)); err != nil {
		s.completeSpeak(speakOutcome{})
		err = errors.Wrap(err, "cannot send speak")
		return
	}

	select {
	case outcome := <-pending:
		if outcome.err != nil {
			err = outcome.err
			return
		}
		result.DurationMs = outcome.durationMs
		if result.DurationMs == 0 {
			result.DurationMs = time.Since(startTime).Milliseconds()
		}
	case <-ctx.Done():
		// Caller aborted: truncate server-side, keep what already streamed.
		dbgErr(s.conn.WriteText(wire.Marshal(wire.ClientMessage{Type: wire.TypeStop})))
		s.completeSpeak(speakOutcome{})
	case <-time.After(TurnCompleteTimeout):
		log.Warn().Msg("speak turn timed out, flushing what accumulated")
		s.completeSpeak(speakOutcome{})
	}

	s.mu.Lock()
	result.AudioChunks = s.speakChunks
	result.Transcript = s.speakTranscript
	s.speakChunks = nil
	s.mu.Unlock()
	return
}

func (s *proxiedSession) StopSpeaking() {
	dbgErr(s.conn.WriteText(wire.Marshal(wire.ClientMessage{Type: wire.TypeStop})))
	s.completeSpeak(speakOutcome{})
}

func (s *proxiedSession) Listen(onResult func(text string, isFinal bool)) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.listening {
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	s.listening = true
	s.onResult = onResult
	s.mu.Unlock()

	if err := s.conn.WriteText(wire.Marshal(wire.ClientMessage{Type: wire.TypeListenStart})); err != nil {
		s.mu.Lock()
		s.listening = false
		s.onResult = nil
		s.mu.Unlock()
		return errors.Wrap(err, "cannot start listening")
	}
	return nil
}

func (s *proxiedSession) StopListening(ctx context.Context) error {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return nil
	}
	s.listening = false
	pendingStop := make(chan struct{})
	s.pendingStop = pendingStop
	s.mu.Unlock()

	if err := s.conn.WriteText(wire.Marshal(wire.ClientMessage{Type: wire.TypeListenStop})); err != nil {
		return errors.Wrap(err, "cannot stop listening")
	}

	// The final transcript arrives asynchronously; wait for it so callers can
	// rely on the callback having fired.
	select {
	case <-pendingStop:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *proxiedSession) SendAudio(byteData []byte) {
	s.mu.Lock()
	listening := s.listening
	destroyed := s.destroyed
	s.mu.Unlock()
	if !listening || destroyed {
		return // No operation is open; dropped.
	}
	dbgErr(s.conn.WriteBinary(byteData))
}

func (s *proxiedSession) StartVoice() error {
	s.mu.Lock()
	if s.pipeline != nil || s.destroyed {
		s.mu.Unlock()
		return nil // Idempotent.
	}
	s.mu.Unlock()

	playbackRate := 0
	if s.mode == profile.ModeS2S {
		playbackRate = defaultDuplexOutputSampleRate
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

func (s *proxiedSession) StopVoice() {
	s.mu.Lock()
	pipeline := s.pipeline
	s.pipeline = nil
	wasListening := s.listening
	s.mu.Unlock()

	if pipeline != nil {
		pipeline.Stop()
	}
	if wasListening {
		abortCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		dbgErr(s.StopListening(abortCtx))
	}
}

func (s *proxiedSession) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *proxiedSession) ResetUsage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = Usage{}
}

func (s *proxiedSession) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	pipeline := s.pipeline
	s.pipeline = nil
	s.listening = false
	s.onResult = nil
	s.mu.Unlock()

	if pipeline != nil {
		pipeline.Stop()
	}
	s.failPending(ErrDestroyed)
	dbgErr(s.conn.Close())
}
