// ABOUTME: Tests for SSE record framing and heartbeat comments.
// ABOUTME: Verifies headers, data records, and that heartbeats carry no payload.

package protocol

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEWriter_SetsStreamingHeaders(t *testing.T) {
	rec := httptest.NewRecorder()

	_, err := NewSSEWriter(rec)
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}

func TestSSEWriter_WriteMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteMessage(NewPong(42)))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "data: "), "body: %q", body)
	assert.Contains(t, body, `"type":"pong"`)
	assert.True(t, strings.HasSuffix(body, "\n\n"))
}

func TestSSEWriter_HeartbeatIsCommentOnly(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteHeartbeat())

	assert.Equal(t, ": heartbeat\n\n", rec.Body.String())
}

// nonFlushing is a ResponseWriter that cannot stream.
type nonFlushing struct{ header http.Header }

func (n nonFlushing) Header() http.Header       { return n.header }
func (n nonFlushing) Write(p []byte) (int, error) { return len(p), nil }
func (n nonFlushing) WriteHeader(int)           {}

func TestSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(nonFlushing{header: http.Header{}})
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}
