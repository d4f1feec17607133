package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrzlen/speechlink/pkg/profile"
	"github.com/petrzlen/speechlink/pkg/providers"
)

func TestNewPicksLocalForBrowserProfile(t *testing.T) {
	s, err := New("browser-native", Options{})
	require.NoError(t, err)
	defer s.Destroy()

	local, ok := s.(*localSession)
	require.True(t, ok, "browser profile without a transport must run locally")
	assert.False(t, local.degraded)
}

func TestNewPicksDirectWithFullCredentials(t *testing.T) {
	s, err := New("elevenlabs-direct", Options{APIKeys: map[string]string{
		profile.ProviderElevenLabs: "k1",
		profile.ProviderOpenAI:     "k2",
	}})
	require.NoError(t, err)
	defer s.Destroy()

	_, ok := s.(*directSession)
	assert.True(t, ok)
}

func TestNewRefusesDirectWithPartialCredentials(t *testing.T) {
	// STT leg is openai and has no key, so direct is off the table; with no
	// server either the session degrades.
	s, err := New("elevenlabs-direct", Options{APIKeys: map[string]string{
		profile.ProviderElevenLabs: "k1",
	}})
	require.NoError(t, err)
	defer s.Destroy()

	local, ok := s.(*localSession)
	require.True(t, ok)
	assert.True(t, local.degraded)
}

func TestNewNeverPicksDirectForRelayOnlyProfile(t *testing.T) {
	// azure-voice must go through a server even when the caller holds a key.
	s, err := New("azure-voice", Options{APIKeys: map[string]string{
		profile.ProviderAzure: "k1",
	}})
	require.NoError(t, err)
	defer s.Destroy()

	local, ok := s.(*localSession)
	require.True(t, ok)
	assert.True(t, local.degraded)
}

func TestNewUnknownProfile(t *testing.T) {
	_, err := New("nope", Options{})
	var unknown *profile.UnknownProfileError
	require.ErrorAs(t, err, &unknown)
}

func TestLocalSessionListenLifecycle(t *testing.T) {
	s := newLocalSession(mustLookup(t, "browser-native"), Options{}, false)
	defer s.Destroy()

	var gotText string
	var gotFinal bool
	require.NoError(t, s.Listen(func(text string, isFinal bool) {
		gotText, gotFinal = text, isFinal
	}))
	assert.ErrorIs(t, s.Listen(func(string, bool) {}), ErrAlreadyListening)

	require.NoError(t, s.StopListening(context.Background()))
	assert.Equal(t, "", gotText)
	assert.True(t, gotFinal, "the final flush must fire even with nothing new")

	// Stopped; a fresh Listen is allowed again.
	require.NoError(t, s.Listen(func(string, bool) {}))
}

func TestLocalSessionBillsNothing(t *testing.T) {
	s := newLocalSession(mustLookup(t, "browser-native"), Options{}, false)
	defer s.Destroy()

	result, err := s.Speak(context.Background(), "anything")
	require.NoError(t, err)
	assert.Zero(t, result.DurationMs)
	assert.Empty(t, result.AudioChunks)
	assert.Equal(t, Usage{}, s.Usage())
}

// --- direct strategy, with fake adapters swapped in package-side ---

type fakeDirectTTS struct {
	chunks [][]byte
}

func (f *fakeDirectTTS) ContentType() string { return "audio/mpeg" }

func (f *fakeDirectTTS) Synthesize(ctx context.Context, text string, chunks chan<- []byte) error {
	defer close(chunks)
	for _, chunk := range f.chunks {
		chunks <- chunk
	}
	return nil
}

type fakeRecognition struct {
	fed        []byte
	transcript string
}

func (f *fakeRecognition) Feed(byteData []byte) { f.fed = append(f.fed, byteData...) }

func (f *fakeRecognition) Finish(ctx context.Context) (providers.Transcript, error) {
	return providers.Transcript{Text: f.transcript}, nil
}

type fakeDirectSTT struct {
	session *fakeRecognition
}

func (f *fakeDirectSTT) OpenRecognition() (providers.SpeechSession, error) {
	return f.session, nil
}

// fakeDuplexChannel emits one audio chunk on SendText and completes the turn
// only when the context runs out, exercising the flush-on-timeout path.
type fakeDuplexChannel struct {
	handlers   providers.DuplexHandlers
	replyAudio []byte
	fed        []byte
	destroyed  bool
}

func (f *fakeDuplexChannel) Feed(byteData []byte) { f.fed = append(f.fed, byteData...) }

func (f *fakeDuplexChannel) SendText(text string) error {
	if f.handlers.OnAudio != nil {
		f.handlers.OnAudio(f.replyAudio)
	}
	if f.handlers.OnTranscript != nil {
		f.handlers.OnTranscript("partial reply", false)
	}
	return nil
}

func (f *fakeDuplexChannel) Finish(ctx context.Context) (providers.Transcript, error) {
	// No turn-complete ever arrives; the accumulated transcript is flushed
	// once the deadline passes.
	<-ctx.Done()
	return providers.Transcript{Text: "partial reply"}, nil
}

func (f *fakeDuplexChannel) Destroy() { f.destroyed = true }

type fakeDuplexDialer struct {
	channel *fakeDuplexChannel
}

func (f *fakeDuplexDialer) Connect(ctx context.Context, handlers providers.DuplexHandlers) (providers.DuplexSession, error) {
	f.channel.handlers = handlers
	return f.channel, nil
}

func newTestDirectSession(t *testing.T, profileID string) *directSession {
	t.Helper()
	s := &directSession{profile: mustLookup(t, profileID)}
	s.mode = s.profile.Mode()
	return s
}

func TestDirectSpeakCollectsStreamAndUsage(t *testing.T) {
	s := newTestDirectSession(t, "elevenlabs-direct")
	s.tts = &fakeDirectTTS{chunks: [][]byte{{1}, {2}, {3}}}
	defer s.Destroy()

	result, err := s.Speak(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{1}, {2}, {3}}, result.AudioChunks)
	assert.GreaterOrEqual(t, result.DurationMs, int64(0))

	usage := s.Usage()
	assert.Greater(t, usage.TTSSeconds, 0.0)
	assert.Greater(t, usage.EstimatedCost, 0.0)

	s.ResetUsage()
	assert.Equal(t, Usage{}, s.Usage())
}

func TestDirectListenFeedsAndFinalizes(t *testing.T) {
	recognition := &fakeRecognition{transcript: "direct transcript"}
	s := newTestDirectSession(t, "elevenlabs-direct")
	s.stt = &fakeDirectSTT{session: recognition}
	defer s.Destroy()

	var gotText string
	var gotFinal bool
	require.NoError(t, s.Listen(func(text string, isFinal bool) {
		gotText, gotFinal = text, isFinal
	}))
	assert.ErrorIs(t, s.Listen(func(string, bool) {}), ErrAlreadyListening)

	s.SendAudio([]byte{5, 5})
	require.NoError(t, s.StopListening(context.Background()))

	assert.Equal(t, []byte{5, 5}, recognition.fed)
	assert.Equal(t, "direct transcript", gotText)
	assert.True(t, gotFinal)
	assert.Greater(t, s.Usage().STTSeconds, 0.0)
}

func TestDirectAudioDroppedWithoutOperation(t *testing.T) {
	recognition := &fakeRecognition{}
	s := newTestDirectSession(t, "elevenlabs-direct")
	s.stt = &fakeDirectSTT{session: recognition}
	defer s.Destroy()

	s.SendAudio([]byte{1, 2, 3})
	assert.Empty(t, recognition.fed)
}

func TestDirectDuplexTurnTimeoutFlushes(t *testing.T) {
	channel := &fakeDuplexChannel{replyAudio: []byte{8, 8, 8}}
	s := newTestDirectSession(t, "openai-realtime")
	s.duplexDialer = &fakeDuplexDialer{channel: channel}
	defer s.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result, err := s.Speak(ctx, "tell me a story")
	require.NoError(t, err, "a silent turn flushes, it does not error")
	assert.Equal(t, [][]byte{{8, 8, 8}}, result.AudioChunks)
	assert.Equal(t, "partial reply", result.Transcript)
}

func TestDirectDuplexListenRoutesAudio(t *testing.T) {
	channel := &fakeDuplexChannel{}
	s := newTestDirectSession(t, "openai-realtime")
	s.duplexDialer = &fakeDuplexDialer{channel: channel}
	defer s.Destroy()

	var finals []string
	require.NoError(t, s.Listen(func(text string, isFinal bool) {
		if isFinal {
			finals = append(finals, text)
		}
	}))

	// Listen opened the duplex channel; audio fed now must reach it.
	s.SendAudio([]byte{4, 4})
	assert.Equal(t, []byte{4, 4}, channel.fed)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, s.StopListening(ctx))
	assert.Equal(t, []string{"partial reply"}, finals)
}

func TestDirectDestroyedSessionRefusesSpeak(t *testing.T) {
	s := newTestDirectSession(t, "elevenlabs-direct")
	s.tts = &fakeDirectTTS{}
	s.Destroy()
	s.Destroy() // Safe to repeat.

	_, err := s.Speak(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrDestroyed)
}

func mustLookup(t *testing.T, profileID string) profile.Profile {
	t.Helper()
	p, err := profile.Lookup(profileID)
	require.NoError(t, err)
	return p
}
