package networking

import (
	"net/http"
	"runtime/debug"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Frame is one websocket message; Binary distinguishes raw audio frames from
// JSON text frames.
type Frame struct {
	Binary bool
	Data   []byte
}

// FrameHandler usage:
// * Read from GetReader chan until closed (which means the other party closed it)
// * Write into GetWriter chan until you want - if you close it than the websocket will be closed gracefully.
//
// Per-direction frame order is preserved; text and binary share one stream.
type FrameHandler interface {
	// GetReader is where incoming frames will be produced into UNTIL the websocket is closed,
	// then the Reader chan will be CLOSED, i.e. do NOT close this channel yourself as panic is a guaranteed.
	GetReader() chan<- Frame
	// GetWriter is where you can write response frames - upon channel close,
	// the websocket will attempt to close gracefully.
	GetWriter() <-chan Frame
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Adjust the origin check as needed
	},
}

func getClientIpAddress(r *http.Request) (clientIP string) {
	// Get client IP from RemoteAddr
	clientIP = r.RemoteAddr

	// Check for real IP in headers (useful if behind proxy)
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		clientIP = realIP
	} else if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		clientIP = forwardedFor
	}
	return
}

// NewWebsocketHandlerFunc takes the raw http reader / writer,
// and abstracts it into FrameHandler which works at the chan Frame level.
func NewWebsocketHandlerFunc(createHandler func() FrameHandler) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		handler := createHandler()
		log.Info().Str("client_ip", getClientIpAddress(r)).Str("method", r.Method).Str("request_url", r.URL.String()).Msg("NewWebsocketHandlerFunc attempting to establish a websocket connection")

		defer func() { close(handler.GetReader()) }()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errLog(err, "websocket upgrader.Upgrade")
			return
		}
		defer func() { errLog(ws.Close(), "websocket.Close()") }()

		// Start a goroutine for sending frames
		// TODO(P1, ux): Interrupts / sigkills should also clean up all alive websocket connections.
		go func() {
			for {
				frame, ok := <-handler.GetWriter()
				// Channel closed by the user, attempt to close connection gracefully.
				// That will also end up the reader routine.
				if !ok {
					log.Info().Msg("websocket writer channel closed, attempting to close connection gracefully")
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
					errLog(ws.WriteMessage(websocket.CloseMessage, msg), "websocket.CloseMessage gracefully")
					return
				}

				messageType := websocket.TextMessage
				if frame.Binary {
					messageType = websocket.BinaryMessage
				}
				if err := ws.WriteMessage(messageType, frame.Data); err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
						log.Info().Msg("websocket too late to write frame, as already closed")
					} else {
						errLog(err, "ws.WriteMessage")
					}
					return
				}
			}
		}()

		log.Info().Msg("NewWebsocketHandlerFunc starting to read from the websocket")
		for {
			messageType, msg, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
					log.Info().Msg("websocket connection closed normally from the other party")
				} else {
					log.Error().Err(err).Msgf("couldn't read message from websocket: %s", string(msg))
				}
				// Usually, nothing good will happen ever after a bad websocket message
				return
			}
			handler.GetReader() <- Frame{Binary: messageType == websocket.BinaryMessage, Data: msg}
		}
	}
}

func errLog(err error, what string) {
	if err != nil {
		log.Error().Err(err).Msg(what)
		debug.PrintStack()
	}
}
