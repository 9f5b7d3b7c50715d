// ABOUTME: Server-sent-events framing for the streaming-HTTP transport.
// ABOUTME: One data record per message plus comment-only heartbeat records.

package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamingUnsupported indicates the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// SSEWriter frames messages as server-sent-event records on an HTTP
// response. Writes are not internally synchronized; the owning transport
// serializes them through its write pump.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for event streaming and returns the writer.
// Fails fast if the writer cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteMessage frames one message as a data record and flushes it.
func (s *SSEWriter) WriteMessage(m *Message) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encoding sse message: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteHeartbeat emits a comment-only record. Intermediaries see traffic on
// an otherwise idle connection; conforming clients ignore it.
func (s *SSEWriter) WriteHeartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
