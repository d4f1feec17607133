package providers

import (
	"fmt"

	"github.com/petrzlen/speechlink/pkg/profile"
)

// Config carries everything an adapter constructor may need. APIKey is the
// vendor credential; ServerSide marks construction inside the gateway, where
// server-held secrets are allowed.
type Config struct {
	APIKey     string
	Region     string
	ServerSide bool
}

// The registries are closed lookup tables resolved once at session creation;
// adding a vendor means adding exactly one entry per capability it has.

var ttsRegistry = map[string]func(Config) (StreamingTTS, error){
	profile.ProviderOpenAI:     newOpenAITTS,
	profile.ProviderElevenLabs: newElevenLabsTTS,
	profile.ProviderAzure:      newAzureTTS,
}

var sttRegistry = map[string]func(Config) (STT, error){
	profile.ProviderOpenAI: newOpenAISTT,
	profile.ProviderAzure:  newAzureSTT,
}

var duplexRegistry = map[string]func(Config) (Duplex, error){
	profile.ProviderOpenAIRealtime: newOpenAIRealtime,
}

func NewStreamingTTS(providerKey string, cfg Config) (StreamingTTS, error) {
	constructor, ok := ttsRegistry[providerKey]
	if !ok {
		return nil, fmt.Errorf("no streaming-tts adapter for provider %q", providerKey)
	}
	return constructor(cfg)
}

func NewSTT(providerKey string, cfg Config) (STT, error) {
	constructor, ok := sttRegistry[providerKey]
	if !ok {
		return nil, fmt.Errorf("no stt adapter for provider %q", providerKey)
	}
	return constructor(cfg)
}

func NewDuplex(providerKey string, cfg Config) (Duplex, error) {
	constructor, ok := duplexRegistry[providerKey]
	if !ok {
		return nil, fmt.Errorf("no duplex adapter for provider %q", providerKey)
	}
	return constructor(cfg)
}
