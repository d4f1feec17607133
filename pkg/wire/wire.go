// Package wire defines the JSON text frames exchanged between a speechlink client
// and the protocol gateway. Binary websocket frames carry raw audio and have
// direction-dependent meaning: client->server is captured input audio,
// server->client is synthesized/duplex output audio.
package wire

import "encoding/json"

// Client -> server message types.
const (
	TypeSessionStart = "session.start"
	TypeSpeak        = "speak"
	TypeStop         = "stop"
	TypeListenStart  = "listen.start"
	TypeListenStop   = "listen.stop"
)

// Server -> client message types.
const (
	TypeSessionReady = "session.ready"
	TypeAudioStart   = "audio.start"
	TypeAudioEnd     = "audio.end"
	TypeTranscript   = "transcript"
	TypeUsage        = "usage"
	TypeError        = "error"
)

// Error codes the gateway emits.
const (
	CodeInvalidJSON      = "invalid_json"
	CodeInvalidProfile   = "invalid_profile"
	CodeMissingAPIKey    = "missing_api_key"
	CodeNoSession        = "no_session"
	CodeWrongMode        = "wrong_mode"
	CodeBrowserOnly      = "browser_only"
	CodeEmptyText        = "empty_text"
	CodeAlreadyListening = "already_listening"
	CodeProviderError    = "provider_error"
	CodeUnknownCommand   = "unknown_command"
)

// ClientMessage is every client->server text frame; Type discriminates which
// optional fields are meaningful.
type ClientMessage struct {
	Type    string `json:"type"`
	Profile string `json:"profile,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	Text    string `json:"text,omitempty"`
	// Format of the binary input frames this client will send:
	// "" or "pcm16" (16kHz S16LE mono) or "mulaw" (8kHz G.711 telephony).
	Format string `json:"format,omitempty"`
}

// ServerMessage is every server->client text frame.
type ServerMessage struct {
	Type string `json:"type"`

	// session.ready
	Mode string `json:"mode,omitempty"`
	Note string `json:"note,omitempty"`

	// audio.start
	ContentType string `json:"contentType,omitempty"`

	// audio.end / transcript
	DurationMs *int64 `json:"durationMs,omitempty"`

	// transcript
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`

	// usage
	TTSSeconds    *float64 `json:"ttsSeconds,omitempty"`
	STTSeconds    *float64 `json:"sttSeconds,omitempty"`
	EstimatedCost *float64 `json:"estimatedCost,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func ParseClientMessage(data []byte) (msg ClientMessage, err error) {
	err = json.Unmarshal(data, &msg)
	return
}

func ParseServerMessage(data []byte) (msg ServerMessage, err error) {
	err = json.Unmarshal(data, &msg)
	return
}

// Marshal panics never; a marshal failure on these plain structs would be a
// programming error, so it degrades to an error frame instead.
func Marshal(msg any) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		data = []byte(`{"type":"error","code":"provider_error","message":"internal marshal failure"}`)
	}
	return data
}

func NewError(code, message string) ServerMessage {
	return ServerMessage{Type: TypeError, Code: code, Message: message}
}

func NewSessionReady(mode, note string) ServerMessage {
	return ServerMessage{Type: TypeSessionReady, Mode: mode, Note: note}
}

func NewAudioStart(contentType string) ServerMessage {
	return ServerMessage{Type: TypeAudioStart, ContentType: contentType}
}

func NewAudioEnd(durationMs int64) ServerMessage {
	return ServerMessage{Type: TypeAudioEnd, DurationMs: &durationMs}
}

func NewTranscript(text string, isFinal bool, durationMs *int64) ServerMessage {
	return ServerMessage{Type: TypeTranscript, Text: text, IsFinal: isFinal, DurationMs: durationMs}
}

func NewUsage(ttsSeconds, sttSeconds, estimatedCost float64) ServerMessage {
	return ServerMessage{
		Type:          TypeUsage,
		TTSSeconds:    &ttsSeconds,
		STTSeconds:    &sttSeconds,
		EstimatedCost: &estimatedCost,
	}
}
