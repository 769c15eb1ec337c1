package completion

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// sseWriter frames events for a server-sent-events response. Every frame is
// flushed immediately so deltas reach the client as they arrive.
type sseWriter struct {
	w       *bufio.Writer
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: bufio.NewWriter(w), flusher: flusher}, nil
}

// WriteFrame marshals the payload and writes one named SSE frame.
func (s *sseWriter) WriteFrame(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling sse payload: %w", err)
	}
	return s.WriteRaw(event, data)
}

// WriteRaw writes an already-marshaled payload as one named SSE frame.
func (s *sseWriter) WriteRaw(event string, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
