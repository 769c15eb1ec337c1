package completion

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumachat/luma-backend/pkg/stream"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth happens in middleware before the upgrade; browsers cannot set
	// custom headers on websocket requests so origin alone is not a gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsCommand is a client-to-server control frame.
type wsCommand struct {
	Type string `json:"type"`
}

// Websocket attaches a websocket connection to a session's event stream.
// Events flow server-to-client as JSON text frames; the client may send a
// {"type":"stop"} frame to cancel the generation.
func (h *Handler) Websocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	afterSeq := int64(-1)
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after parameter")
			return
		}
		afterSeq = parsed
	}

	sub, err := h.service.Attach(id, afterSeq)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.service.Detach(id, sub)
		h.logger.Warn("websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	defer conn.Close()
	defer h.service.Detach(id, sub)

	done := make(chan struct{})
	go h.wsReadLoop(conn, id, done)
	h.wsWriteLoop(conn, id, sub, done)
}

// wsReadLoop consumes client frames until the connection drops. Only the
// stop command is meaningful; everything else is ignored.
func (h *Handler) wsReadLoop(conn *websocket.Conn, sessionID string, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		if cmd.Type == "stop" {
			if err := h.service.Stop(sessionID); err != nil {
				h.logger.Warn("stop command failed", "session_id", sessionID, "error", err)
			}
		}
	}
}

// wsWriteLoop pushes subscriber events to the client and keeps the
// connection alive with pings.
func (h *Handler) wsWriteLoop(conn *websocket.Conn, sessionID string, sub *stream.Subscriber, done <-chan struct{}) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if errors.Is(sub.Err(), stream.ErrSlowConsumer) {
					msg, _ := json.Marshal(map[string]string{"detail": "connection dropped: consumer too slow"})
					_ = conn.WriteMessage(websocket.TextMessage, msg)
				}
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			payload, err := ev.MarshalPayload()
			if err != nil {
				h.logger.Error("marshaling event", "session_id", sessionID, "seq", ev.Seq, "error", err)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
