// Package gateway terminates one websocket connection per client session and
// replays the session-engine semantics server-side, for clients that cannot
// reach a provider directly. Text frames carry JSON control messages, binary
// frames carry raw audio, and per-direction ordering is preserved.
package gateway

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/petrzlen/speechlink/internal/networking"
	"github.com/petrzlen/speechlink/pkg/audioutil"
	"github.com/petrzlen/speechlink/pkg/profile"
	"github.com/petrzlen/speechlink/pkg/providers"
	"github.com/petrzlen/speechlink/pkg/wire"
)

// Same duplex bounds the client-side engine uses.
const connectReadyTimeout = 10 * time.Second
const turnCompleteTimeout = 30 * time.Second

// Factory builds provider adapters; swapped for fakes in tests.
type Factory interface {
	NewStreamingTTS(providerKey string, cfg providers.Config) (providers.StreamingTTS, error)
	NewSTT(providerKey string, cfg providers.Config) (providers.STT, error)
	NewDuplex(providerKey string, cfg providers.Config) (providers.Duplex, error)
}

type registryFactory struct{}

func (registryFactory) NewStreamingTTS(providerKey string, cfg providers.Config) (providers.StreamingTTS, error) {
	return providers.NewStreamingTTS(providerKey, cfg)
}

func (registryFactory) NewSTT(providerKey string, cfg providers.Config) (providers.STT, error) {
	return providers.NewSTT(providerKey, cfg)
}

func (registryFactory) NewDuplex(providerKey string, cfg providers.Config) (providers.Duplex, error) {
	return providers.NewDuplex(providerKey, cfg)
}

// Handler is the per-connection session state machine:
// unstarted -> ready -> (tts-active | stt-active | s2s-active)* -> closed.
type Handler struct {
	id       string
	readChan chan networking.Frame

	factory Factory
	getenv  func(key string) string

	writeMu     sync.Mutex
	writeChan   chan networking.Frame
	writeClosed bool

	mu         sync.Mutex
	started    bool
	profile    profile.Profile
	mode       profile.Mode
	sessionKey string
	mulawInput bool

	ttsSeconds float64
	sttSeconds float64

	// At most one TTS operation and one STT/S2S operation may be open at a time.
	ttsActive   bool
	ttsCancel   context.CancelFunc
	ttsDone     sync.WaitGroup
	recognition providers.SpeechSession
	duplex      providers.DuplexSession
	listenStart time.Time
}

// NewHandler starts the per-connection processing loop; the returned handler
// plugs straight into networking.NewWebsocketHandlerFunc.
func NewHandler() *Handler {
	return newHandler(registryFactory{}, os.Getenv)
}

func newHandler(factory Factory, getenv func(string) string) *Handler {
	h := &Handler{
		id:        uuid.NewString(),
		readChan:  make(chan networking.Frame, 100),
		writeChan: make(chan networking.Frame, 100),
		factory:   factory,
		getenv:    getenv,
	}
	go h.readFramesUntilChanClosed()
	return h
}

func (h *Handler) GetReader() chan<- networking.Frame {
	return h.readChan
}

func (h *Handler) GetWriter() <-chan networking.Frame {
	return h.writeChan
}

func (h *Handler) readFramesUntilChanClosed() {
	for frame := range h.readChan {
		if frame.Binary {
			h.handleAudioFrame(frame.Data)
		} else {
			h.handleTextFrame(frame.Data)
		}
	}

	// Connection is gone: tear down every open adapter session before reset,
	// so no operation can leak past the connection's lifetime.
	log.Info().Str("session_id", h.id).Msg("gateway connection closed, tearing down")
	h.teardown()
	h.closeWriter()
}

func (h *Handler) handleTextFrame(data []byte) {
	msg, err := wire.ParseClientMessage(data)
	if err != nil {
		log.Error().Err(err).Str("session_id", h.id).Msgf("couldn't decode message: %.200s", string(data))
		h.sendError(wire.CodeInvalidJSON, "message is not valid JSON")
		return
	}

	log.Debug().Str("session_id", h.id).Str("type", msg.Type).Msg("gateway command received")

	switch msg.Type {
	case wire.TypeSessionStart:
		h.handleSessionStart(msg)
	case wire.TypeSpeak:
		h.handleSpeak(msg)
	case wire.TypeListenStart:
		h.handleListenStart()
	case wire.TypeListenStop:
		h.handleListenStop()
	case wire.TypeStop:
		h.handleStop()
	default:
		h.sendError(wire.CodeUnknownCommand, "unknown command "+msg.Type)
	}
}

// handleSessionStart resolves the profile and verifies every non-browser leg
// has a usable credential BEFORE accepting - fail fast, not mid-operation.
func (h *Handler) handleSessionStart(msg wire.ClientMessage) {
	p, err := profile.Lookup(msg.Profile)
	if err != nil {
		h.sendError(wire.CodeInvalidProfile, err.Error())
		return
	}
	mode := p.Mode()

	if msg.Format != "" && msg.Format != "pcm16" && msg.Format != "mulaw" {
		h.sendError(wire.CodeInvalidJSON, "unknown input format "+msg.Format)
		return
	}

	if mode != profile.ModeBrowser {
		for _, provider := range neededProviders(p) {
			if h.resolveKey(provider, msg.APIKey) == "" {
				h.sendError(wire.CodeMissingAPIKey, "no usable credential for provider "+provider)
				return
			}
		}
	}

	h.mu.Lock()
	h.started = true
	h.profile = p
	h.mode = mode
	h.sessionKey = msg.APIKey
	h.mulawInput = msg.Format == "mulaw"
	h.mu.Unlock()

	note := ""
	if mode == profile.ModeBrowser {
		note = "profile runs on-device, the gateway will not accept audio operations"
	}
	if msg.Format == "mulaw" {
		note = "accepting 8kHz mulaw input, upsampled to 16kHz pcm16"
	}
	log.Info().Str("session_id", h.id).Str("profile", p.ID).Str("mode", string(mode)).Msg("gateway session ready")
	h.send(wire.NewSessionReady(string(mode), note))
}

func (h *Handler) handleSpeak(msg wire.ClientMessage) {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		h.sendError(wire.CodeNoSession, "session.start first")
		return
	}
	if h.mode == profile.ModeS2S {
		h.mu.Unlock()
		h.sendError(wire.CodeWrongMode, "s2s sessions speak through the duplex channel")
		return
	}
	if h.mode == profile.ModeBrowser {
		h.mu.Unlock()
		h.sendError(wire.CodeBrowserOnly, "profile synthesizes on-device")
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		h.mu.Unlock()
		h.sendError(wire.CodeEmptyText, "nothing to say")
		return
	}
	if h.ttsActive {
		h.mu.Unlock()
		h.sendError(wire.CodeProviderError, "a speak operation is already in flight")
		return
	}
	p := h.profile
	h.mu.Unlock()

	// Key resolution and adapter construction happen outside the lock;
	// resolveKey takes it itself.
	tts, err := h.factory.NewStreamingTTS(p.TTS.Provider,
		providers.Config{APIKey: h.resolveKey(p.TTS.Provider, msg.APIKey), Region: h.getenv("AZURE_SPEECH_REGION"), ServerSide: true})
	if err != nil {
		h.sendProviderError(err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.ttsActive = true
	h.ttsCancel = cancel
	h.ttsDone.Add(1)
	h.mu.Unlock()

	go h.runSpeak(ctx, cancel, tts, msg.Text)
}

// runSpeak relays the synthesis stream: audio.start, one binary frame per
// chunk, audio.end, then a usage update.
func (h *Handler) runSpeak(ctx context.Context, cancel context.CancelFunc, tts providers.StreamingTTS, text string) {
	defer h.ttsDone.Done()
	defer cancel()
	defer func() {
		h.mu.Lock()
		h.ttsActive = false
		h.ttsCancel = nil
		h.mu.Unlock()
	}()

	startTime := time.Now()
	h.send(wire.NewAudioStart(tts.ContentType()))

	chunks := make(chan []byte, 16)
	synthesisErr := make(chan error, 1)
	go func() {
		synthesisErr <- tts.Synthesize(ctx, text, chunks)
	}()

	for chunk := range chunks {
		h.sendBinary(chunk)
	}

	aborted := ctx.Err() != nil
	if err := <-synthesisErr; err != nil && !aborted {
		h.sendProviderError(err)
		return
	}
	if aborted {
		// Truncation by stop is not an error and produces no further result frames.
		log.Debug().Str("session_id", h.id).Msg("speak stream truncated")
		return
	}

	elapsed := time.Since(startTime)
	h.send(wire.NewAudioEnd(elapsed.Milliseconds()))
	h.addUsageAndSend(elapsed.Seconds(), 0)
}

func (h *Handler) handleListenStart() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		h.sendError(wire.CodeNoSession, "session.start first")
		return
	}
	if h.mode == profile.ModeBrowser {
		h.mu.Unlock()
		h.sendError(wire.CodeBrowserOnly, "profile recognizes on-device")
		return
	}
	if h.recognition != nil || h.duplex != nil {
		h.mu.Unlock()
		// Never silently replace the existing operation.
		h.sendError(wire.CodeAlreadyListening, "a recognition operation is already open")
		return
	}
	mode := h.mode
	p := h.profile
	h.mu.Unlock()

	if mode == profile.ModeS2S {
		h.startDuplexListen(p)
		return
	}

	stt, err := h.factory.NewSTT(p.STT.Provider,
		providers.Config{APIKey: h.resolveKey(p.STT.Provider, ""), Region: h.getenv("AZURE_SPEECH_REGION"), ServerSide: true})
	if err != nil {
		h.sendProviderError(err)
		return
	}
	recognition, err := stt.OpenRecognition()
	if err != nil {
		h.sendProviderError(err)
		return
	}

	h.mu.Lock()
	h.recognition = recognition
	h.listenStart = time.Now()
	h.mu.Unlock()
	log.Info().Str("session_id", h.id).Msg("recognition opened")
}

func (h *Handler) startDuplexListen(p profile.Profile) {
	dialer, err := h.factory.NewDuplex(p.TTS.Provider,
		providers.Config{APIKey: h.resolveKey(p.TTS.Provider, ""), ServerSide: true})
	if err != nil {
		h.sendProviderError(err)
		return
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), connectReadyTimeout)
	defer cancel()
	duplex, err := dialer.Connect(connectCtx, providers.DuplexHandlers{
		OnAudio: h.sendBinary,
		OnTranscript: func(text string, isFinal bool) {
			h.send(wire.NewTranscript(text, isFinal, nil))
		},
	})
	if err != nil {
		h.sendProviderError(err)
		return
	}

	h.mu.Lock()
	h.duplex = duplex
	h.listenStart = time.Now()
	h.mu.Unlock()
	log.Info().Str("session_id", h.id).Msg("duplex channel opened")
}

func (h *Handler) handleListenStop() {
	h.mu.Lock()
	recognition := h.recognition
	duplex := h.duplex
	listenStart := h.listenStart
	h.recognition = nil
	h.duplex = nil
	h.mu.Unlock()

	if recognition == nil && duplex == nil {
		h.sendError(wire.CodeNoSession, "no recognition operation is open")
		return
	}

	finishCtx, cancel := context.WithTimeout(context.Background(), turnCompleteTimeout)
	defer cancel()

	var transcript providers.Transcript
	var err error
	if recognition != nil {
		transcript, err = recognition.Finish(finishCtx)
	} else {
		transcript, err = duplex.Finish(finishCtx)
		duplex.Destroy()
	}
	if err != nil {
		h.sendProviderError(err)
		return
	}

	sttSeconds := transcript.Duration.Seconds()
	if sttSeconds == 0 {
		sttSeconds = time.Since(listenStart).Seconds()
	}

	durationMs := transcript.Duration.Milliseconds()
	h.send(wire.NewTranscript(transcript.Text, true, &durationMs))
	h.addUsageAndSend(0, sttSeconds)
}

// handleStop aborts whatever is active without emitting further result frames.
func (h *Handler) handleStop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		h.sendError(wire.CodeNoSession, "session.start first")
		return
	}
	cancel := h.ttsCancel
	recognition := h.recognition
	duplex := h.duplex
	h.recognition = nil
	h.duplex = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel() // TTS stream truncation.
	}
	if recognition != nil {
		log.Debug().Str("session_id", h.id).Msg("discarding open recognition")
	}
	if duplex != nil {
		duplex.Destroy()
	}
}

// handleAudioFrame routes input audio to whichever recognition/duplex session
// is open; with none open the frame is discarded.
func (h *Handler) handleAudioFrame(data []byte) {
	h.mu.Lock()
	recognition := h.recognition
	duplex := h.duplex
	mulawInput := h.mulawInput
	h.mu.Unlock()

	if mulawInput {
		data = audioutil.UpsamplePCM16Double(audioutil.DecodeMulawToPCM16(data))
	}

	switch {
	case recognition != nil:
		recognition.Feed(data)
	case duplex != nil:
		duplex.Feed(data)
	default:
		log.Trace().Str("session_id", h.id).Int("byte_size", len(data)).Msg("discarding audio frame, no operation open")
	}
}

// resolveKey implements the credential order: explicit per-message key,
// then session-level client key, then the environment-held key.
func (h *Handler) resolveKey(provider, messageKey string) string {
	if messageKey != "" {
		return messageKey
	}
	h.mu.Lock()
	sessionKey := h.sessionKey
	h.mu.Unlock()
	if sessionKey != "" {
		return sessionKey
	}
	return h.getenv(envKeyFor(provider))
}

func envKeyFor(provider string) string {
	switch provider {
	case profile.ProviderOpenAI, profile.ProviderOpenAIRealtime:
		return "OPENAI_API_KEY"
	case profile.ProviderElevenLabs:
		return "ELEVENLABS_API_KEY"
	case profile.ProviderAzure:
		return "AZURE_SPEECH_KEY"
	default:
		return ""
	}
}

func neededProviders(p profile.Profile) []string {
	if p.S2S {
		return []string{p.TTS.Provider}
	}
	result := make([]string, 0, 2)
	for _, provider := range []string{p.TTS.Provider, p.STT.Provider} {
		if provider != profile.ProviderLocal {
			result = append(result, provider)
		}
	}
	return result
}

func (h *Handler) addUsageAndSend(ttsSeconds, sttSeconds float64) {
	h.mu.Lock()
	h.ttsSeconds += ttsSeconds
	h.sttSeconds += sttSeconds
	tts := h.ttsSeconds
	stt := h.sttSeconds
	cost := profile.EstimateCost(h.profile, tts, stt)
	h.mu.Unlock()
	h.send(wire.NewUsage(tts, stt, cost))
}

func (h *Handler) sendProviderError(err error) {
	log.Error().Err(err).Str("session_id", h.id).Msg("provider operation failed")
	h.sendError(wire.CodeProviderError, err.Error())
}

func (h *Handler) sendError(code, message string) {
	h.send(wire.NewError(code, message))
}

func (h *Handler) send(msg wire.ServerMessage) {
	h.writeFrame(networking.Frame{Data: wire.Marshal(msg)})
}

func (h *Handler) sendBinary(data []byte) {
	h.writeFrame(networking.Frame{Binary: true, Data: data})
}

func (h *Handler) writeFrame(frame networking.Frame) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.writeClosed {
		return
	}
	h.writeChan <- frame
}

// teardown aborts every open operation and resets to unstarted.
func (h *Handler) teardown() {
	h.mu.Lock()
	cancel := h.ttsCancel
	duplex := h.duplex
	h.recognition = nil
	h.duplex = nil
	h.started = false
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.ttsDone.Wait()
	if duplex != nil {
		duplex.Destroy()
	}
}

func (h *Handler) closeWriter() {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if !h.writeClosed {
		h.writeClosed = true
		close(h.writeChan)
	}
}
