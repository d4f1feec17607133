// Package providers holds the per-vendor speech adapters behind three capability
// interfaces, one per session mode. Adapters are pure I/O; anything stateful
// (timeouts, usage, single-operation invariants) is the session engine's job.
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StreamingTTS synthesizes one utterance as a finite, non-restartable chunk stream.
type StreamingTTS interface {
	// ContentType of the chunks Synthesize produces, e.g. "audio/mpeg".
	ContentType() string
	// Synthesize streams synthesized audio into chunks as it arrives and returns
	// once the provider closes the stream. It closes chunks before returning.
	// Cancelling ctx truncates the stream; truncation is not an error.
	Synthesize(ctx context.Context, text string, chunks chan<- []byte) error
}

// Transcript is the result of a finished recognition or duplex turn.
type Transcript struct {
	Text     string
	Duration time.Duration
}

// SpeechSession is one buffered recognition operation: Feed accumulates audio,
// Finish performs a single request with everything fed so far.
// Feed after Finish is undefined.
type SpeechSession interface {
	Feed(byteData []byte)
	Finish(ctx context.Context) (Transcript, error)
}

// STT opens buffered recognition sessions.
type STT interface {
	OpenRecognition() (SpeechSession, error)
}

// DuplexHandlers receive streamed output from a duplex session. Either may be nil.
type DuplexHandlers struct {
	OnAudio      func(byteData []byte)
	OnTranscript func(text string, isFinal bool)
}

// DuplexSession is one continuously open speech-to-speech channel.
type DuplexSession interface {
	// Feed streams input audio into the channel.
	Feed(byteData []byte)
	// SendText injects a text turn, for callers that speak on the user's behalf.
	SendText(text string) error
	// Finish signals end-of-turn and blocks until the provider signals turn
	// completion or ctx expires, whichever first. Output accumulated so far has
	// already been delivered through the handlers either way.
	Finish(ctx context.Context) (Transcript, error)
	// Destroy closes the channel immediately.
	Destroy()
}

// Duplex dials duplex speech-to-speech sessions.
type Duplex interface {
	// Connect blocks until the provider signals the session is ready or ctx expires.
	Connect(ctx context.Context, handlers DuplexHandlers) (DuplexSession, error)
}

// OutputSampleRate is implemented by duplex adapters whose playback sample rate
// differs from the capture rate.
type OutputSampleRate interface {
	OutputSampleRate() int
}

// ProviderError preserves a non-success upstream response.
type ProviderError struct {
	Status int
	Detail string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Detail)
}

// ConfigError reports an absent credential or setting; it is never silently defaulted.
type ConfigError struct {
	Missing string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing required configuration %s", e.Missing)
}

// ErrServerProxyRequired is returned by adapters whose auth needs a server-held
// secret, so a client must go through the protocol gateway instead.
var ErrServerProxyRequired = errors.New("provider requires a server-side proxy session")
