package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/pitabwire/casedesk/internal/session"
	"github.com/pitabwire/casedesk/internal/tracker"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// StreamMessage is one frame sent on a case stream.
type StreamMessage struct {
	Type    string               `json:"type"`
	Session *tracker.SessionView `json:"session,omitempty"`
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed[origin] {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		},
	}
}

// handleStream pushes the case's session view every time it changes until
// the client disconnects.
func handleStream(sessions *session.Manager, allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		// Unknown applications fail before the upgrade so clients get a
		// normal error envelope.
		if _, err := sessions.Session(r.Context(), id); err != nil {
			writeRequestError(w, r, err)
			return
		}

		sub, err := sessions.Watch(r.Context(), id)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		defer sub.Release()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			requestLogger(r).Warn("stream upgrade failed", "application_id", id, "error", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go readPump(conn, cancel)

		ping := time.NewTicker(streamPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(streamWriteWait))
				return
			case view := <-sub.C:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteJSON(StreamMessage{Type: "session", Session: &view}); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
					return
				}
			}
		}
	}
}

// readPump discards client frames and cancels the stream once the client
// goes away or stops answering pings.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
