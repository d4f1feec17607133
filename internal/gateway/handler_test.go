package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrzlen/speechlink/internal/networking"
	"github.com/petrzlen/speechlink/pkg/providers"
	"github.com/petrzlen/speechlink/pkg/wire"
)

type fakeTTS struct {
	chunks [][]byte
	err    error
}

func (f *fakeTTS) ContentType() string { return "audio/mpeg" }

func (f *fakeTTS) Synthesize(ctx context.Context, text string, chunks chan<- []byte) error {
	defer close(chunks)
	if f.err != nil {
		return f.err
	}
	for _, chunk := range f.chunks {
		select {
		case chunks <- chunk:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

type fakeSpeechSession struct {
	fed        []byte
	transcript string
}

func (f *fakeSpeechSession) Feed(byteData []byte) {
	f.fed = append(f.fed, byteData...)
}

func (f *fakeSpeechSession) Finish(ctx context.Context) (providers.Transcript, error) {
	return providers.Transcript{
		Text:     f.transcript,
		Duration: time.Duration(len(f.fed)/2) * time.Second / 16000,
	}, nil
}

type fakeSTT struct {
	session *fakeSpeechSession
}

func (f *fakeSTT) OpenRecognition() (providers.SpeechSession, error) {
	return f.session, nil
}

type fakeDuplexSession struct {
	handlers providers.DuplexHandlers
	fed      []byte
	reply    string
	audio    [][]byte

	destroyed bool
}

func (f *fakeDuplexSession) Feed(byteData []byte) { f.fed = append(f.fed, byteData...) }

func (f *fakeDuplexSession) SendText(text string) error { return nil }

func (f *fakeDuplexSession) Finish(ctx context.Context) (providers.Transcript, error) {
	for _, chunk := range f.audio {
		if f.handlers.OnAudio != nil {
			f.handlers.OnAudio(chunk)
		}
	}
	return providers.Transcript{Text: f.reply, Duration: 2 * time.Second}, nil
}

func (f *fakeDuplexSession) Destroy() { f.destroyed = true }

type fakeDuplex struct {
	session *fakeDuplexSession
}

func (f *fakeDuplex) Connect(ctx context.Context, handlers providers.DuplexHandlers) (providers.DuplexSession, error) {
	f.session.handlers = handlers
	return f.session, nil
}

type fakeFactory struct {
	tts    *fakeTTS
	stt    *fakeSTT
	duplex *fakeDuplex
}

func (f *fakeFactory) NewStreamingTTS(providerKey string, cfg providers.Config) (providers.StreamingTTS, error) {
	if cfg.APIKey == "" {
		return nil, &providers.ConfigError{Missing: "api key"}
	}
	return f.tts, nil
}

func (f *fakeFactory) NewSTT(providerKey string, cfg providers.Config) (providers.STT, error) {
	if cfg.APIKey == "" {
		return nil, &providers.ConfigError{Missing: "api key"}
	}
	return f.stt, nil
}

func (f *fakeFactory) NewDuplex(providerKey string, cfg providers.Config) (providers.Duplex, error) {
	if cfg.APIKey == "" {
		return nil, &providers.ConfigError{Missing: "api key"}
	}
	return f.duplex, nil
}

func newTestHandler(t *testing.T, getenv func(string) string) (*Handler, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{
		tts:    &fakeTTS{chunks: [][]byte{{1, 2, 3}, {4, 5, 6}}},
		stt:    &fakeSTT{session: &fakeSpeechSession{transcript: "hello world"}},
		duplex: &fakeDuplex{session: &fakeDuplexSession{reply: "hi there"}},
	}
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	h := newHandler(factory, getenv)
	t.Cleanup(func() { close(h.readChan) })
	return h, factory
}

func sendCommand(h *Handler, msg wire.ClientMessage) {
	h.GetReader() <- networking.Frame{Data: wire.Marshal(msg)}
}

func sendAudio(h *Handler, data []byte) {
	h.GetReader() <- networking.Frame{Binary: true, Data: data}
}

func nextFrame(t *testing.T, h *Handler) networking.Frame {
	t.Helper()
	select {
	case frame, ok := <-h.GetWriter():
		require.True(t, ok, "writer channel closed unexpectedly")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return networking.Frame{}
	}
}

func nextText(t *testing.T, h *Handler) wire.ServerMessage {
	t.Helper()
	frame := nextFrame(t, h)
	require.False(t, frame.Binary, "expected a text frame, got binary")
	msg, err := wire.ParseServerMessage(frame.Data)
	require.NoError(t, err)
	return msg
}

func startSession(t *testing.T, h *Handler, profileID, apiKey string) wire.ServerMessage {
	t.Helper()
	sendCommand(h, wire.ClientMessage{Type: wire.TypeSessionStart, Profile: profileID, APIKey: apiKey})
	return nextText(t, h)
}

func TestSpeakStreamsAudioAndUsage(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	ready := startSession(t, h, "elevenlabs-direct", "test-key")
	require.Equal(t, wire.TypeSessionReady, ready.Type)
	assert.Equal(t, "tts+stt", ready.Mode)

	sendCommand(h, wire.ClientMessage{Type: wire.TypeSpeak, Text: "hello"})

	audioStart := nextText(t, h)
	require.Equal(t, wire.TypeAudioStart, audioStart.Type)
	assert.Equal(t, "audio/mpeg", audioStart.ContentType)

	chunk1 := nextFrame(t, h)
	assert.True(t, chunk1.Binary)
	assert.Equal(t, []byte{1, 2, 3}, chunk1.Data)
	chunk2 := nextFrame(t, h)
	assert.True(t, chunk2.Binary)

	audioEnd := nextText(t, h)
	require.Equal(t, wire.TypeAudioEnd, audioEnd.Type)
	require.NotNil(t, audioEnd.DurationMs)
	assert.GreaterOrEqual(t, *audioEnd.DurationMs, int64(0))

	usage := nextText(t, h)
	require.Equal(t, wire.TypeUsage, usage.Type)
	require.NotNil(t, usage.TTSSeconds)
	assert.Greater(t, *usage.TTSSeconds, 0.0)
}

func TestSpeakEmptyTextRejected(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	startSession(t, h, "elevenlabs-direct", "test-key")

	sendCommand(h, wire.ClientMessage{Type: wire.TypeSpeak, Text: "   "})
	errMsg := nextText(t, h)
	require.Equal(t, wire.TypeError, errMsg.Type)
	assert.Equal(t, wire.CodeEmptyText, errMsg.Code)
}

func TestListenRoundTrip(t *testing.T) {
	h, factory := newTestHandler(t, nil)
	startSession(t, h, "elevenlabs-direct", "test-key")

	sendCommand(h, wire.ClientMessage{Type: wire.TypeListenStart})
	sendAudio(h, make([]byte, 3200)) // 100ms of 16kHz S16 audio
	sendCommand(h, wire.ClientMessage{Type: wire.TypeListenStop})

	transcript := nextText(t, h)
	require.Equal(t, wire.TypeTranscript, transcript.Type)
	assert.Equal(t, "hello world", transcript.Text)
	assert.True(t, transcript.IsFinal)

	usage := nextText(t, h)
	require.Equal(t, wire.TypeUsage, usage.Type)
	require.NotNil(t, usage.STTSeconds)
	assert.Greater(t, *usage.STTSeconds, 0.0)

	assert.Len(t, factory.stt.session.fed, 3200, "binary frames must reach the open recognition")
}

func TestUnknownProfileKeepsSessionUnstarted(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	errMsg := startSession(t, h, "nonexistent", "")
	require.Equal(t, wire.TypeError, errMsg.Type)
	assert.Equal(t, wire.CodeInvalidProfile, errMsg.Code)

	// Any subsequent command yields no_session.
	sendCommand(h, wire.ClientMessage{Type: wire.TypeSpeak, Text: "hello"})
	noSession := nextText(t, h)
	require.Equal(t, wire.TypeError, noSession.Type)
	assert.Equal(t, wire.CodeNoSession, noSession.Code)
}

func TestMissingAPIKeyFailsFast(t *testing.T) {
	h, _ := newTestHandler(t, nil) // No env keys, no client key.

	errMsg := startSession(t, h, "elevenlabs-direct", "")
	require.Equal(t, wire.TypeError, errMsg.Type)
	assert.Equal(t, wire.CodeMissingAPIKey, errMsg.Code)
}

func TestEnvironmentKeySatisfiesSessionStart(t *testing.T) {
	getenv := func(key string) string {
		switch key {
		case "OPENAI_API_KEY":
			return "env-openai"
		case "ELEVENLABS_API_KEY":
			return "env-elevenlabs"
		}
		return ""
	}
	h, _ := newTestHandler(t, getenv)

	ready := startSession(t, h, "elevenlabs-direct", "")
	assert.Equal(t, wire.TypeSessionReady, ready.Type)

	// Speak resolves its credential the same way and the relay must complete;
	// the key lookup happens while the command goroutine is mid-dispatch.
	sendCommand(h, wire.ClientMessage{Type: wire.TypeSpeak, Text: "hello"})
	assert.Equal(t, wire.TypeAudioStart, nextText(t, h).Type)
	assert.True(t, nextFrame(t, h).Binary)
	assert.True(t, nextFrame(t, h).Binary)
	assert.Equal(t, wire.TypeAudioEnd, nextText(t, h).Type)
	assert.Equal(t, wire.TypeUsage, nextText(t, h).Type)
}

func TestAlreadyListeningRejected(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	startSession(t, h, "elevenlabs-direct", "test-key")

	sendCommand(h, wire.ClientMessage{Type: wire.TypeListenStart})
	sendCommand(h, wire.ClientMessage{Type: wire.TypeListenStart})

	errMsg := nextText(t, h)
	require.Equal(t, wire.TypeError, errMsg.Type)
	assert.Equal(t, wire.CodeAlreadyListening, errMsg.Code)
}

func TestSpeakOnS2SRejectedWithWrongMode(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	ready := startSession(t, h, "openai-realtime", "test-key")
	require.Equal(t, wire.TypeSessionReady, ready.Type)
	assert.Equal(t, "s2s", ready.Mode)

	sendCommand(h, wire.ClientMessage{Type: wire.TypeSpeak, Text: "hello"})
	errMsg := nextText(t, h)
	require.Equal(t, wire.TypeError, errMsg.Type)
	assert.Equal(t, wire.CodeWrongMode, errMsg.Code)
}

func TestSpeakOnBrowserProfileRejected(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	ready := startSession(t, h, "browser-native", "")
	require.Equal(t, wire.TypeSessionReady, ready.Type)
	assert.Equal(t, "browser", ready.Mode)

	sendCommand(h, wire.ClientMessage{Type: wire.TypeSpeak, Text: "hello"})
	errMsg := nextText(t, h)
	require.Equal(t, wire.TypeError, errMsg.Type)
	assert.Equal(t, wire.CodeBrowserOnly, errMsg.Code)
}

func TestDuplexListenRelaysAudioAndTranscript(t *testing.T) {
	h, factory := newTestHandler(t, nil)
	factory.duplex.session.audio = [][]byte{{9, 9, 9}}
	startSession(t, h, "openai-realtime", "test-key")

	sendCommand(h, wire.ClientMessage{Type: wire.TypeListenStart})
	sendAudio(h, []byte{7, 7})
	sendCommand(h, wire.ClientMessage{Type: wire.TypeListenStop})

	frame := nextFrame(t, h)
	require.True(t, frame.Binary, "duplex output audio is relayed as binary frames")
	assert.Equal(t, []byte{9, 9, 9}, frame.Data)

	transcript := nextText(t, h)
	require.Equal(t, wire.TypeTranscript, transcript.Type)
	assert.Equal(t, "hi there", transcript.Text)
	assert.True(t, transcript.IsFinal)

	usage := nextText(t, h)
	require.Equal(t, wire.TypeUsage, usage.Type)

	assert.Equal(t, []byte{7, 7}, factory.duplex.session.fed)
	assert.True(t, factory.duplex.session.destroyed)
}

func TestMulawInputDecodedBeforeRecognition(t *testing.T) {
	h, factory := newTestHandler(t, nil)

	sendCommand(h, wire.ClientMessage{Type: wire.TypeSessionStart, Profile: "elevenlabs-direct", APIKey: "test-key", Format: "mulaw"})
	ready := nextText(t, h)
	require.Equal(t, wire.TypeSessionReady, ready.Type)
	assert.Contains(t, ready.Note, "mulaw")

	sendCommand(h, wire.ClientMessage{Type: wire.TypeListenStart})
	sendAudio(h, make([]byte, 800)) // 100ms of 8kHz mulaw
	sendCommand(h, wire.ClientMessage{Type: wire.TypeListenStop})

	transcript := nextText(t, h)
	require.Equal(t, wire.TypeTranscript, transcript.Type)

	// 800 mulaw samples decode to 1600 pcm bytes, upsampling doubles that.
	assert.Len(t, factory.stt.session.fed, 3200)
}

func TestUnknownInputFormatRejected(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	sendCommand(h, wire.ClientMessage{Type: wire.TypeSessionStart, Profile: "browser-native", Format: "opus"})
	errMsg := nextText(t, h)
	require.Equal(t, wire.TypeError, errMsg.Type)
	assert.Equal(t, wire.CodeInvalidJSON, errMsg.Code)
}

func TestInvalidJSONReported(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	h.GetReader() <- networking.Frame{Data: []byte("{not json")}

	errMsg := nextText(t, h)
	require.Equal(t, wire.TypeError, errMsg.Type)
	assert.Equal(t, wire.CodeInvalidJSON, errMsg.Code)
}

func TestUnknownCommandReported(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	sendCommand(h, wire.ClientMessage{Type: "frobnicate"})

	errMsg := nextText(t, h)
	require.Equal(t, wire.TypeError, errMsg.Type)
	assert.Equal(t, wire.CodeUnknownCommand, errMsg.Code)
}

func TestAudioFramesDiscardedWithoutOperation(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	startSession(t, h, "elevenlabs-direct", "test-key")

	sendAudio(h, []byte{1, 2, 3})

	// The session stays healthy and no frame was produced for the audio.
	sendCommand(h, wire.ClientMessage{Type: wire.TypeSpeak, Text: "still works"})
	audioStart := nextText(t, h)
	assert.Equal(t, wire.TypeAudioStart, audioStart.Type)
}

func TestStopTruncatesSpeakWithoutResultFrames(t *testing.T) {
	h, factory := newTestHandler(t, nil)
	// A slow infinite-ish stream: many chunks so stop lands mid-stream.
	factory.tts.chunks = make([][]byte, 10000)
	for i := range factory.tts.chunks {
		factory.tts.chunks[i] = []byte{byte(i)}
	}
	startSession(t, h, "elevenlabs-direct", "test-key")

	sendCommand(h, wire.ClientMessage{Type: wire.TypeSpeak, Text: "long story"})
	audioStart := nextText(t, h)
	require.Equal(t, wire.TypeAudioStart, audioStart.Type)

	sendCommand(h, wire.ClientMessage{Type: wire.TypeStop})

	// Drain: only binary frames may follow, never audio.end nor usage.
	for {
		select {
		case frame := <-h.GetWriter():
			if frame.Binary {
				continue
			}
			msg, err := wire.ParseServerMessage(frame.Data)
			require.NoError(t, err)
			t.Fatalf("unexpected result frame after stop: %+v", msg)
		case <-time.After(500 * time.Millisecond):
			return // The stream went quiet without audio.end nor usage.
		}
	}
}
