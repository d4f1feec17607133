package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/petrzlen/speechlink/pkg/audioutil"
)

// Azure speech auth works off a server-held subscription key (plus a short-lived
// signed token for websocket use), so these adapters refuse direct client
// construction and only the gateway instantiates them.

type azureTTS struct {
	apiKey string
	region string
}

func newAzureTTS(cfg Config) (StreamingTTS, error) {
	if !cfg.ServerSide {
		return nil, ErrServerProxyRequired
	}
	if cfg.APIKey == "" {
		return nil, &ConfigError{Missing: "AZURE_SPEECH_KEY"}
	}
	region := cfg.Region
	if region == "" {
		region = "eastus"
	}
	return &azureTTS{apiKey: cfg.APIKey, region: region}, nil
}

func (a *azureTTS) ContentType() string {
	return "audio/wav"
}

func (a *azureTTS) Synthesize(ctx context.Context, text string, chunks chan<- []byte) error {
	defer close(chunks)
	requestStart := time.Now()

	ssml := fmt.Sprintf(
		`<speak version='1.0' xml:lang='en-US'><voice name='en-US-JennyNeural'>%s</voice></speak>`,
		text)

	url := fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", a.region)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader([]byte(ssml)))
	if err != nil {
		return err
	}
	req.Header.Add("Ocp-Apim-Subscription-Key", a.apiKey)
	req.Header.Add("Content-Type", "application/ssml+xml")
	req.Header.Add("X-Microsoft-OutputFormat", "riff-16khz-16bit-mono-pcm")

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("could not reach azure tts %w", err)
	}
	defer func() { dbg(resp.Body.Close()) }()

	log.Debug().Dur("request_time", time.Since(requestStart)).Int("status_code", resp.StatusCode).Msg("azure tts stream opened")

	if resp.StatusCode != http.StatusOK {
		errMsg, _ := io.ReadAll(resp.Body)
		return &ProviderError{Status: resp.StatusCode, Detail: string(errMsg)}
	}

	return streamBody(ctx, resp.Body, chunks)
}

type azureSTT struct {
	apiKey string
	region string
}

func newAzureSTT(cfg Config) (STT, error) {
	if !cfg.ServerSide {
		return nil, ErrServerProxyRequired
	}
	if cfg.APIKey == "" {
		return nil, &ConfigError{Missing: "AZURE_SPEECH_KEY"}
	}
	region := cfg.Region
	if region == "" {
		region = "eastus"
	}
	return &azureSTT{apiKey: cfg.APIKey, region: region}, nil
}

func (a *azureSTT) OpenRecognition() (SpeechSession, error) {
	return &azureSpeechSession{apiKey: a.apiKey, region: a.region}, nil
}

type azureSpeechSession struct {
	apiKey     string
	region     string
	sampleData []byte
}

func (a *azureSpeechSession) Feed(byteData []byte) {
	a.sampleData = append(a.sampleData, byteData...)
}

type azureRecognitionResult struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	DisplayText       string `json:"DisplayText"`
}

func (a *azureSpeechSession) Finish(ctx context.Context) (result Transcript, err error) {
	result.Duration = audioutil.PCM16Duration(len(a.sampleData), 16000)
	if len(a.sampleData) == 0 {
		return
	}

	wavBytes, err := audioutil.ConvertPCM16ToWav(a.sampleData, 16000, 1)
	if err != nil {
		err = fmt.Errorf("cannot encode recognition payload %w", err)
		return
	}

	url := fmt.Sprintf(
		"https://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1?language=en-US",
		a.region)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(wavBytes))
	if err != nil {
		return
	}
	req.Header.Add("Ocp-Apim-Subscription-Key", a.apiKey)
	req.Header.Add("Content-Type", "audio/wav; codecs=audio/pcm; samplerate=16000")

	resp, err := httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("could not reach azure stt %w", err)
		return
	}
	defer func() { dbg(resp.Body.Close()) }()

	if resp.StatusCode != http.StatusOK {
		errMsg, _ := io.ReadAll(resp.Body)
		err = &ProviderError{Status: resp.StatusCode, Detail: string(errMsg)}
		return
	}

	var recognition azureRecognitionResult
	if err = unmarshalBody(resp.Body, &recognition); err != nil {
		return
	}
	result.Text = recognition.DisplayText
	log.Debug().Str("status", recognition.RecognitionStatus).Str("transcription", result.Text).Msg("azure recognition done")
	return
}
