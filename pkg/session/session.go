// Package session turns a chosen profile into a live bidirectional audio/text
// session behind one uniform API, picking between a local, a direct-to-provider
// and a server-proxied strategy at creation time.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/petrzlen/speechlink/pkg/profile"
)

// ErrAlreadyListening: at most one recognition/duplex operation may be open at
// a time; a second Listen rejects instead of queueing or replacing.
var ErrAlreadyListening = errors.New("a recognition operation is already open")

// ErrDestroyed is returned by operations on a destroyed session.
var ErrDestroyed = errors.New("session was destroyed")

// Bounds on duplex operations: how long we wait for the channel to come up,
// and how long one reply turn may take before we flush what accumulated.
const (
	ConnectReadyTimeout = 10 * time.Second
	TurnCompleteTimeout = 30 * time.Second
)

// Usage accumulates billable conversation time. For proxied sessions the
// accumulator mirrors server-reported numbers and is authoritative only after
// the server has pushed a usage update.
type Usage struct {
	TTSSeconds    float64
	STTSeconds    float64
	EstimatedCost float64
}

// SpeakResult is what one speak turn produced.
type SpeakResult struct {
	DurationMs  int64
	AudioChunks [][]byte
	Transcript  string
}

// Session is the uniform contract all three strategies implement.
// A Session is owned exclusively by its creator; no sharing across callers.
type Session interface {
	// Speak synthesizes (or, on s2s profiles, requests a reply turn for) text.
	Speak(ctx context.Context, text string) (SpeakResult, error)
	// StopSpeaking truncates an in-flight speak stream without erroring.
	StopSpeaking()
	// Listen opens a recognition or duplex operation; onResult fires for interim
	// and final transcripts. Errors if already listening.
	Listen(onResult func(text string, isFinal bool)) error
	// StopListening finalizes the open recognition operation and emits the final
	// transcript through the Listen callback.
	StopListening(ctx context.Context) error
	// SendAudio feeds captured audio into whichever operation is open;
	// silently dropped if none is.
	SendAudio(byteData []byte)
	// StartVoice/StopVoice toggle the live voice pipeline; both are idempotent.
	StartVoice() error
	StopVoice()
	Usage() Usage
	ResetUsage()
	// Destroy tears down voice state, aborts any active operation and closes any
	// network/provider connection; safe to call multiple times.
	Destroy()
}

// Options configure session creation.
type Options struct {
	// ServerURL of a protocol gateway; empty means no network transport.
	ServerURL string
	// APIKeys maps provider key -> credential for direct provider access.
	APIKeys map[string]string
	// DisableDirect forces the proxied strategy even when direct would work.
	DisableDirect bool
	// Meter, optional, receives microphone RMS levels while voice is active.
	Meter func(level float64)
}

// New resolves the profile and selects a strategy, in precedence order:
// local for browser profiles without a transport, then direct when the caller
// supplied usable credentials, then proxied when a transport is configured,
// else a degraded local session whose operations are no-ops.
func New(profileID string, opts Options) (Session, error) {
	p, err := profile.Lookup(profileID)
	if err != nil {
		return nil, err
	}
	mode := p.Mode()

	if opts.ServerURL == "" && mode == profile.ModeBrowser {
		log.Info().Str("profile", p.ID).Msg("using local session strategy")
		return newLocalSession(p, opts, false), nil
	}

	if !opts.DisableDirect && hasDirectCredentials(p, opts.APIKeys) {
		if direct, _ := profile.CanDirectConnect(p.ID); direct {
			log.Info().Str("profile", p.ID).Str("mode", string(mode)).Msg("using direct session strategy")
			return newDirectSession(p, opts)
		}
	}

	if opts.ServerURL != "" {
		log.Info().Str("profile", p.ID).Str("server_url", opts.ServerURL).Msg("using proxied session strategy")
		return newProxiedSession(p, opts)
	}

	log.Warn().Str("profile", p.ID).Msg("no transport and no usable credentials, session is degraded")
	return newLocalSession(p, opts, true), nil
}

// hasDirectCredentials is true when every non-local provider the profile needs
// has a caller-supplied key.
func hasDirectCredentials(p profile.Profile, keys map[string]string) bool {
	needed := map[string]bool{}
	for _, provider := range []string{p.TTS.Provider, p.STT.Provider} {
		if provider != profile.ProviderLocal {
			needed[provider] = true
		}
	}
	if len(needed) == 0 {
		return false // Browser profiles have nothing to connect to directly.
	}
	for provider := range needed {
		if keys[provider] == "" {
			return false
		}
	}
	return true
}
