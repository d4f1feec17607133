package profile

import "fmt"

// Mode describes how a profile carries audio between the caller and the providers.
type Mode string

const (
	// ModeBrowser runs entirely on the local machine, no network leg at all.
	ModeBrowser Mode = "browser"
	// ModeTTSSTT uses independent synthesis and recognition legs.
	ModeTTSSTT Mode = "tts+stt"
	// ModeS2S uses a single duplex channel for both directions.
	ModeS2S Mode = "s2s"
)

// Provider keys used for adapter and credential lookup.
const (
	ProviderOpenAI         = "openai"
	ProviderElevenLabs     = "elevenlabs"
	ProviderAzure          = "azure"
	ProviderOpenAIRealtime = "openai-realtime"
	ProviderLocal          = "local"
)

type Descriptor struct {
	Provider string
}

// Profile pairs a TTS and STT (or one duplex) provider with a cost estimate.
// The catalogue is static; profiles are never mutated after startup.
type Profile struct {
	ID          string
	DisplayName string
	TTS         Descriptor
	STT         Descriptor
	// S2S is true when one provider handles both directions over a single duplex channel.
	S2S         bool
	CostPerHour float64
}

type UnknownProfileError struct {
	ID string
}

func (e *UnknownProfileError) Error() string {
	return fmt.Sprintf("unknown profile %q", e.ID)
}

// catalogue is ordered non-decreasingly by CostPerHour.
var catalogue = []Profile{
	{
		ID:          "browser-native",
		DisplayName: "On-device (free)",
		TTS:         Descriptor{Provider: ProviderLocal},
		STT:         Descriptor{Provider: ProviderLocal},
		CostPerHour: 0,
	},
	{
		ID:          "openai",
		DisplayName: "OpenAI TTS + Whisper",
		TTS:         Descriptor{Provider: ProviderOpenAI},
		STT:         Descriptor{Provider: ProviderOpenAI},
		CostPerHour: 0.36,
	},
	{
		ID:          "elevenlabs-direct",
		DisplayName: "ElevenLabs + Whisper",
		TTS:         Descriptor{Provider: ProviderElevenLabs},
		STT:         Descriptor{Provider: ProviderOpenAI},
		CostPerHour: 0.66,
	},
	{
		ID:          "azure-voice",
		DisplayName: "Azure Speech",
		TTS:         Descriptor{Provider: ProviderAzure},
		STT:         Descriptor{Provider: ProviderAzure},
		CostPerHour: 1.10,
	},
	{
		ID:          "openai-realtime",
		DisplayName: "OpenAI Realtime (speech-to-speech)",
		TTS:         Descriptor{Provider: ProviderOpenAIRealtime},
		STT:         Descriptor{Provider: ProviderOpenAIRealtime},
		S2S:         true,
		CostPerHour: 6.00,
	},
}

// directCapable lists providers a client may talk to without a server-held secret.
// Azure is absent: its websocket auth requires request signing we only do server-side.
var directCapable = map[string]bool{
	ProviderLocal:          true,
	ProviderOpenAI:         true,
	ProviderElevenLabs:     true,
	ProviderOpenAIRealtime: true,
}

// All returns the catalogue in its (cost-ordered) declaration order.
func All() []Profile {
	result := make([]Profile, len(catalogue))
	copy(result, catalogue)
	return result
}

func Lookup(id string) (Profile, error) {
	for _, p := range catalogue {
		if p.ID == id {
			return p, nil
		}
	}
	return Profile{}, &UnknownProfileError{ID: id}
}

// ResolveMode maps a profile to exactly one of the three modes.
func ResolveMode(id string) (Mode, error) {
	p, err := Lookup(id)
	if err != nil {
		return "", err
	}
	return p.Mode(), nil
}

func (p Profile) Mode() Mode {
	if p.S2S {
		return ModeS2S
	}
	if p.TTS.Provider == ProviderLocal && p.STT.Provider == ProviderLocal {
		return ModeBrowser
	}
	return ModeTTSSTT
}

func ResolveTTSProvider(id string) (string, error) {
	p, err := Lookup(id)
	if err != nil {
		return "", err
	}
	return p.TTS.Provider, nil
}

func ResolveSTTProvider(id string) (string, error) {
	p, err := Lookup(id)
	if err != nil {
		return "", err
	}
	return p.STT.Provider, nil
}

// ResolveS2SProvider returns "" for non-duplex profiles.
func ResolveS2SProvider(id string) (string, error) {
	p, err := Lookup(id)
	if err != nil {
		return "", err
	}
	if !p.S2S {
		return "", nil
	}
	return p.TTS.Provider, nil
}

// CanDirectConnect is true iff every provider the profile needs is direct-capable.
func CanDirectConnect(id string) (bool, error) {
	p, err := Lookup(id)
	if err != nil {
		return false, err
	}
	return directCapable[p.TTS.Provider] && directCapable[p.STT.Provider], nil
}

// EstimateCost is pure and never fails on valid input; zero-cost or zero-duration
// profiles yield 0.
func EstimateCost(p Profile, ttsSeconds, sttSeconds float64) float64 {
	if p.CostPerHour == 0 {
		return 0
	}
	return p.CostPerHour * (ttsSeconds + sttSeconds) / 3600
}
