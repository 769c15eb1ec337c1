package completion

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lumachat/luma-backend/pkg/chat"
	"github.com/lumachat/luma-backend/pkg/provider"
	"github.com/lumachat/luma-backend/pkg/session"
	"github.com/lumachat/luma-backend/pkg/stream"
)

// Handler serves the chat-completion HTTP surface.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates the completion HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Register mounts the completion routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat/completions", h.Create)
	mux.HandleFunc("GET /api/chat/completions/{id}/events", h.Events)
	mux.HandleFunc("POST /api/chat/completions/{id}/stop", h.Stop)
	mux.HandleFunc("GET /ws/chat/completions/{id}", h.Websocket)
}

// Create admits a completion request and streams its events back on the
// same response as server-sent events. The first frame carries the session
// id so the client can reconnect or stop the generation later.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sess, err := h.service.Start(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	sub, err := h.service.Attach(sess.ID, -1)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	defer h.service.Detach(sess.ID, sub)

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := sse.WriteFrame("session", map[string]string{"session_id": sess.ID, "chat_id": sess.ChatID, "message_id": sess.MessageID}); err != nil {
		return
	}
	h.pump(r, sse, sess.ID, sub)
}

// Events re-attaches a dropped connection to a live or recently finished
// session, resuming after the client's acknowledged sequence number.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
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
	defer h.service.Detach(id, sub)

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.pump(r, sse, id, sub)
}

// Stop requests cooperative cancellation of a running generation.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.service.Stop(id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"session_id":%q,"status":"stopping"}`, id)
}

// pump copies subscriber events onto the SSE connection until the stream
// terminates or the client goes away.
func (h *Handler) pump(r *http.Request, sse *sseWriter, sessionID string, sub *stream.Subscriber) {
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if errors.Is(sub.Err(), stream.ErrSlowConsumer) {
					_ = sse.WriteFrame("error", map[string]string{"detail": "connection dropped: consumer too slow"})
				}
				return
			}
			payload, err := ev.MarshalPayload()
			if err != nil {
				h.logger.Error("marshaling event", "session_id", sessionID, "seq", ev.Seq, "error", err)
				return
			}
			if err := sse.WriteRaw(string(ev.Kind), payload); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, session.ErrSessionLimitExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, provider.ErrUnknownModel):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrChatNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrEmptyMessages):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("completion request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
