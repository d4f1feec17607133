package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/petrzlen/speechlink/pkg/audioutil"
)

const realtimeURL = "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"

// The realtime API emits pcm16 at 24kHz and expects pcm16 at 24kHz in;
// we feed it 16kHz capture audio and declare that in the session config.
const realtimeOutputSampleRate = 24000
const realtimeInputSampleRate = 16000

type openAIRealtime struct {
	apiKey string
}

func newOpenAIRealtime(cfg Config) (Duplex, error) {
	if cfg.APIKey == "" {
		return nil, &ConfigError{Missing: "OPENAI_API_KEY"}
	}
	return &openAIRealtime{apiKey: cfg.APIKey}, nil
}

// realtimeEvent is the envelope of every JSON event on the realtime channel,
// in both directions; Type discriminates the meaningful fields.
type realtimeEvent struct {
	Type string `json:"type"`

	// Client -> provider
	Audio    string           `json:"audio,omitempty"`
	Session  *realtimeSession `json:"session,omitempty"`
	Item     *realtimeItem    `json:"item,omitempty"`
	Response *realtimeCreate  `json:"response,omitempty"`

	// Provider -> client
	Delta      string         `json:"delta,omitempty"`
	Transcript string         `json:"transcript,omitempty"`
	Error      *realtimeError `json:"error,omitempty"`
}

type realtimeSession struct {
	Modalities        []string `json:"modalities,omitempty"`
	InputAudioFormat  string   `json:"input_audio_format,omitempty"`
	OutputAudioFormat string   `json:"output_audio_format,omitempty"`
	Voice             string   `json:"voice,omitempty"`
}

type realtimeItem struct {
	Type    string            `json:"type"`
	Role    string            `json:"role"`
	Content []realtimeContent `json:"content"`
}

type realtimeContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type realtimeCreate struct {
	Modalities []string `json:"modalities,omitempty"`
}

type realtimeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Connect dials the realtime websocket and blocks until the provider confirms
// session creation or ctx expires.
func (o *openAIRealtime) Connect(ctx context.Context, handlers DuplexHandlers) (DuplexSession, error) {
	header := http.Header{}
	header.Add("Authorization", "Bearer "+o.apiKey)
	header.Add("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, realtimeURL, header)
	if err != nil {
		if resp != nil {
			detail, _ := io.ReadAll(resp.Body)
			dbg(resp.Body.Close())
			return nil, &ProviderError{Status: resp.StatusCode, Detail: string(detail)}
		}
		return nil, errors.Wrap(err, "cannot dial realtime websocket")
	}

	session := &realtimeDuplexSession{
		conn:     conn,
		handlers: handlers,
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go session.readEventsRoutine()

	// Declare audio formats before any audio flows.
	configure := realtimeEvent{
		Type: "session.update",
		Session: &realtimeSession{
			Modalities:        []string{"audio", "text"},
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			Voice:             "alloy",
		},
	}
	if err = session.writeEvent(configure); err != nil {
		session.Destroy()
		return nil, err
	}

	select {
	case <-session.ready:
		log.Info().Msg("realtime session ready")
		return session, nil
	case <-session.closed:
		return nil, fmt.Errorf("realtime connection closed before session was created")
	case <-ctx.Done():
		session.Destroy()
		return nil, fmt.Errorf("realtime session not ready in time %w", ctx.Err())
	}
}

type realtimeDuplexSession struct {
	conn     *websocket.Conn
	handlers DuplexHandlers

	writeMu sync.Mutex

	ready  chan struct{}
	closed chan struct{}

	mu sync.Mutex
	// turnDone holds the pending-turn continuation; at most one Finish may be
	// outstanding and nil means no turn is awaited.
	turnDone       chan struct{}
	turnTranscript strings.Builder
	turnAudioBytes int
	destroyed      bool
}

func (s *realtimeDuplexSession) OutputSampleRate() int {
	return realtimeOutputSampleRate
}

func (s *realtimeDuplexSession) Feed(byteData []byte) {
	event := realtimeEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(byteData),
	}
	if err := s.writeEvent(event); err != nil {
		log.Error().Err(err).Msg("cannot feed audio into realtime session")
	}
}

func (s *realtimeDuplexSession) SendText(text string) error {
	item := realtimeEvent{
		Type: "conversation.item.create",
		Item: &realtimeItem{
			Type:    "message",
			Role:    "user",
			Content: []realtimeContent{{Type: "input_text", Text: text}},
		},
	}
	if err := s.writeEvent(item); err != nil {
		return err
	}
	return s.writeEvent(realtimeEvent{
		Type:     "response.create",
		Response: &realtimeCreate{Modalities: []string{"audio", "text"}},
	})
}

// Finish commits whatever input audio was fed, asks for a reply turn and blocks
// until the provider signals turn completion or ctx expires. On timeout the
// transcript accumulated so far is returned rather than discarded.
func (s *realtimeDuplexSession) Finish(ctx context.Context) (result Transcript, err error) {
	s.mu.Lock()
	if s.turnDone != nil {
		s.mu.Unlock()
		err = fmt.Errorf("a turn is already being awaited")
		return
	}
	turnDone := make(chan struct{})
	s.turnDone = turnDone
	s.turnTranscript.Reset()
	s.turnAudioBytes = 0
	s.mu.Unlock()

	startTime := time.Now()
	if err = s.writeEvent(realtimeEvent{Type: "input_audio_buffer.commit"}); err != nil {
		return
	}
	if err = s.writeEvent(realtimeEvent{
		Type:     "response.create",
		Response: &realtimeCreate{Modalities: []string{"audio", "text"}},
	}); err != nil {
		return
	}

	select {
	case <-turnDone:
	case <-s.closed:
	case <-ctx.Done():
		log.Warn().Dur("waited", time.Since(startTime)).Msg("realtime turn timed out, flushing what accumulated")
	}

	s.mu.Lock()
	result.Text = s.turnTranscript.String()
	result.Duration = audioutil.PCM16Duration(s.turnAudioBytes, realtimeOutputSampleRate)
	s.turnDone = nil
	s.mu.Unlock()
	return
}

func (s *realtimeDuplexSession) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	dbg(s.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)))
	dbg(s.conn.Close())
}

func (s *realtimeDuplexSession) writeEvent(event realtimeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *realtimeDuplexSession) readEventsRoutine() {
	defer close(s.closed)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Info().Msg("realtime connection closed normally")
			} else {
				log.Error().Err(err).Msg("realtime connection read failed")
			}
			return
		}

		var event realtimeEvent
		if err = json.Unmarshal(data, &event); err != nil {
			log.Error().Err(err).Msgf("couldn't decode realtime event: %.200s", string(data))
			continue
		}
		s.handleEvent(event)
	}
}

func (s *realtimeDuplexSession) handleEvent(event realtimeEvent) {
	switch event.Type {
	case "session.created":
		close(s.ready)
	case "session.updated":
		// Nothing to do, the config we asked for is now in effect.
	case "response.audio.delta":
		audioBytes, err := base64.StdEncoding.DecodeString(event.Delta)
		if err != nil {
			log.Error().Err(err).Msg("cannot decode realtime audio delta")
			return
		}
		s.mu.Lock()
		s.turnAudioBytes += len(audioBytes)
		s.mu.Unlock()
		if s.handlers.OnAudio != nil {
			s.handlers.OnAudio(audioBytes)
		}
	case "response.audio_transcript.delta":
		s.mu.Lock()
		s.turnTranscript.WriteString(event.Delta)
		s.mu.Unlock()
		if s.handlers.OnTranscript != nil {
			s.handlers.OnTranscript(event.Delta, false)
		}
	case "conversation.item.input_audio_transcription.completed":
		if s.handlers.OnTranscript != nil {
			s.handlers.OnTranscript(event.Transcript, true)
		}
	case "response.done":
		s.mu.Lock()
		turnDone := s.turnDone
		transcript := s.turnTranscript.String()
		s.mu.Unlock()
		if s.handlers.OnTranscript != nil && transcript != "" {
			s.handlers.OnTranscript(transcript, true)
		}
		if turnDone != nil {
			select {
			case <-turnDone:
			default:
				close(turnDone)
			}
		}
	case "error":
		if event.Error != nil {
			log.Error().Str("code", event.Error.Code).Str("message", event.Error.Message).Msg("realtime provider error")
		}
	default:
		log.Trace().Str("event_type", event.Type).Msg("ignoring realtime event")
	}
}
