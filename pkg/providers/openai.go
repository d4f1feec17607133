package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/petrzlen/speechlink/pkg/audioutil"
)

var httpClient = &http.Client{}

const ttsChunkByteSize = 4096

// openAITTS streams mp3 audio from the speech endpoint.
// TODO(devx, P1): Replace the raw HTTP with the openai-go one after implemented
// https://github.com/sashabaranov/go-openai/pull/528/files?diff=unified&w=0
type openAITTS struct {
	apiKey string
}

func newOpenAITTS(cfg Config) (StreamingTTS, error) {
	if cfg.APIKey == "" {
		return nil, &ConfigError{Missing: "OPENAI_API_KEY"}
	}
	return &openAITTS{apiKey: cfg.APIKey}, nil
}

// ttsPayload for the audio/speech request.
type ttsPayload struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
}

func (o *openAITTS) ContentType() string {
	return "audio/mpeg"
}

func (o *openAITTS) Synthesize(ctx context.Context, text string, chunks chan<- []byte) error {
	defer close(chunks)
	log.Debug().Str("input", text).Msg("openai tts request start")

	payload := ttsPayload{
		Model: "tts-1",
		Input: text,
		Voice: "echo",
		// TODO(ux, P1): Opus should be a better format for streaming, using mp3 for ease.
		ResponseFormat: "mp3",
		// Speed 1.15 was reverse engineered from the ChatGPT app.
		Speed: 1.15,
	}
	reqStr, _ := json.Marshal(payload)

	body, cleanup, err := sendOpenAIRequest(ctx, o.apiKey, "POST", "audio/speech", string(reqStr))
	if err != nil {
		return fmt.Errorf("could not do audio/speech for %s cause %w", reqStr, err)
	}
	defer cleanup()

	return streamBody(ctx, body, chunks)
}

// streamBody relays the response body chunk-by-chunk; a cancelled ctx truncates
// the stream without erroring.
func streamBody(ctx context.Context, body io.Reader, chunks chan<- []byte) error {
	buffer := make([]byte, ttsChunkByteSize)
	for {
		n, readErr := body.Read(buffer)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				log.Debug().Msg("tts stream truncated by caller")
				return nil
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("could not read tts stream %w", readErr)
		}
	}
}

// sendOpenAIRequest by-passes not-yet-implemented APIs in go-openai.
func sendOpenAIRequest(ctx context.Context, apiKey, method, endpoint, requestStr string) (body io.ReadCloser, cleanup func(), err error) {
	requestStart := time.Now()
	reqBody := strings.NewReader(requestStr)

	req, err := http.NewRequestWithContext(ctx, method, "https://api.openai.com/v1/"+endpoint, reqBody)
	if err != nil {
		return
	}
	req.Header.Add("Authorization", "Bearer "+apiKey)
	req.Header.Add("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return
	}
	cleanup = func() { dbg(resp.Body.Close()) }

	log.Debug().Dur("request_time", time.Since(requestStart)).Str("method", method).Str("endpoint", endpoint).Int("status_code", resp.StatusCode).Msg("request done")

	if resp.StatusCode != http.StatusOK {
		errMsg, _ := io.ReadAll(resp.Body)
		cleanup()
		cleanup = nil
		err = &ProviderError{Status: resp.StatusCode, Detail: string(errMsg)}
		log.Debug().Err(err).Str("method", method).Str("endpoint", endpoint).Msg("request to openai failed")
		return
	}

	body = resp.Body
	return
}

// openAISTT opens whisper recognition sessions.
type openAISTT struct {
	client *openai.Client
}

func newOpenAISTT(cfg Config) (STT, error) {
	if cfg.APIKey == "" {
		return nil, &ConfigError{Missing: "OPENAI_API_KEY"}
	}
	return &openAISTT{client: openai.NewClient(cfg.APIKey)}, nil
}

func (o *openAISTT) OpenRecognition() (SpeechSession, error) {
	return &whisperSession{client: o.client}, nil
}

// whisperSession accumulates 16kHz mono S16 audio and transcribes it in one shot.
type whisperSession struct {
	client     *openai.Client
	sampleData []byte
}

const whisperSampleRate = 16000

func (w *whisperSession) Feed(byteData []byte) {
	w.sampleData = append(w.sampleData, byteData...)
}

func (w *whisperSession) Finish(ctx context.Context) (result Transcript, err error) {
	startTime := time.Now()
	result.Duration = audioutil.PCM16Duration(len(w.sampleData), whisperSampleRate)

	wavBytes, err := audioutil.ConvertPCM16ToWav(w.sampleData, whisperSampleRate, 1)
	if err != nil {
		err = fmt.Errorf("cannot encode recognition payload %w", err)
		return
	}
	if len(wavBytes) == 0 {
		return // Nothing was fed, nothing to transcribe.
	}

	req := openai.AudioRequest{
		Model:  "whisper-1",
		Reader: bytes.NewReader(wavBytes),
		// FilePath just needs the extension, the file does not have to exist.
		FilePath: "this-file-does-not-exist-just-needs-extension.wav",
	}

	log.Debug().Str("model", req.Model).Int("wav_byte_size", len(wavBytes)).Msg("create transcription request")
	resp, err := w.client.CreateTranscription(ctx, req)
	if err != nil {
		err = fmt.Errorf("cannot create transcription %w", err)
		return
	}

	result.Text = resp.Text
	log.Debug().Str("transcription", result.Text).Dur("time_elapsed", time.Since(startTime)).Msg("received transcription")
	return
}

func dbg(err error) {
	if err != nil {
		log.Debug().Err(err).Msg("sth non-essential failed")
	}
}
