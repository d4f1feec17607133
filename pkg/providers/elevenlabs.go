package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Default voice "Rachel" from the public voice library.
const elevenLabsDefaultVoiceID = "21m00Tcm4TlvDq8ikWAM"

// elevenLabsTTS streams mp3 audio from the /stream synthesis endpoint.
type elevenLabsTTS struct {
	apiKey  string
	voiceID string
}

func newElevenLabsTTS(cfg Config) (StreamingTTS, error) {
	if cfg.APIKey == "" {
		return nil, &ConfigError{Missing: "ELEVENLABS_API_KEY"}
	}
	return &elevenLabsTTS{apiKey: cfg.APIKey, voiceID: elevenLabsDefaultVoiceID}, nil
}

type elevenLabsPayload struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func (e *elevenLabsTTS) ContentType() string {
	return "audio/mpeg"
}

func (e *elevenLabsTTS) Synthesize(ctx context.Context, text string, chunks chan<- []byte) error {
	defer close(chunks)
	requestStart := time.Now()

	payload := elevenLabsPayload{
		Text:    text,
		ModelID: "eleven_turbo_v2",
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	}
	reqStr, _ := json.Marshal(payload)

	url := fmt.Sprintf("https://api.elevenlabs.io/v1/text-to-speech/%s/stream", e.voiceID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(string(reqStr)))
	if err != nil {
		return err
	}
	req.Header.Add("xi-api-key", e.apiKey)
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "audio/mpeg")

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil // Truncated by the caller, not an error.
		}
		return fmt.Errorf("could not reach elevenlabs %w", err)
	}
	defer func() { dbg(resp.Body.Close()) }()

	log.Debug().Dur("request_time", time.Since(requestStart)).Int("status_code", resp.StatusCode).Msg("elevenlabs stream opened")

	if resp.StatusCode != http.StatusOK {
		errMsg, _ := io.ReadAll(resp.Body)
		return &ProviderError{Status: resp.StatusCode, Detail: string(errMsg)}
	}

	return streamBody(ctx, resp.Body, chunks)
}
