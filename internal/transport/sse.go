// ABOUTME: Streaming-HTTP transport: SSE downstream with heartbeats plus a
// ABOUTME: POST upstream for client messages.

package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom-gateway/internal/protocol"
)

// defaultHeartbeat keeps idle SSE connections alive through intermediaries.
const defaultHeartbeat = 15 * time.Second

// maxUpstreamBody bounds one POSTed message.
const maxUpstreamBody = 4 << 20

// SSETransport adapts streaming HTTP to the transport contract. The
// downstream is a long-lived SSE response; the upstream is one POST per
// message. It mounts on a shared HTTP server via RegisterRoutes, so Start
// has no listener of its own to bind.
type SSETransport struct {
	*clientTable
	logger    *slog.Logger
	heartbeat time.Duration

	mu      sync.Mutex
	handler Handler
}

// NewSSETransport creates the streaming-HTTP transport. A zero heartbeat
// selects the default interval.
func NewSSETransport(heartbeat time.Duration, logger *slog.Logger) *SSETransport {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &SSETransport{
		clientTable: newClientTable(),
		logger:      logger.With("component", "transport", "transport", "sse"),
		heartbeat:   heartbeat,
		handler:     nopHandler{},
	}
}

// Name implements Transport.
func (t *SSETransport) Name() string { return "sse" }

// Start implements Transport; the SSE transport binds nothing itself.
func (t *SSETransport) Start(ctx context.Context) error { return nil }

// Stop closes every live stream.
func (t *SSETransport) Stop(ctx context.Context) error {
	for _, c := range t.Clients() {
		_ = c.Close()
	}
	return nil
}

// SetHandler implements Transport.
func (t *SSETransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *SSETransport) currentHandler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// RegisterRoutes mounts the transport's endpoints on mux.
func (t *SSETransport) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/stream", t.handleStream)
	mux.HandleFunc("/v1/message", t.handleMessage)
}

// handleStream opens the downstream for one client and pumps messages and
// heartbeats until the client goes away.
func (t *SSETransport) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	if _, exists := t.Client(clientID); exists {
		http.Error(w, "client id already streaming", http.StatusConflict)
		return
	}

	writer, err := protocol.NewSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	c := &sseClient{
		clientState: newClientState(clientID, t.Name()),
		pump:        newSendPump(),
	}
	t.add(c)
	handler := t.currentHandler()
	handler.HandleConnection(c)
	t.logger.Debug("stream opened", "client_id", clientID)

	defer func() {
		_ = c.Close()
		t.remove(clientID)
		handler.HandleDisconnect(c)
		t.logger.Debug("stream closed", "client_id", clientID)
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, ok, idle := c.pump.nextWait(t.heartbeat)
		if !ok && !idle {
			return
		}
		if idle {
			if err := writer.WriteHeartbeat(); err != nil {
				return
			}
			continue
		}
		if err := writer.WriteMessage(msg); err != nil {
			handler.HandleError(c, err)
			return
		}
	}
}

// handleMessage accepts one upstream message for an open stream. A
// malformed body gets a structured 400; it never affects the stream.
func (t *SSETransport) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientID := r.Header.Get("X-Loom-Client")
	if clientID == "" {
		clientID = r.URL.Query().Get("client_id")
	}
	if clientID == "" {
		writeJSONError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, "missing client id")
		return
	}

	c, ok := t.Client(clientID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, protocol.CodeInvalidMessage, "no open stream for client")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpstreamBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, "reading body")
		return
	}

	handler := t.currentHandler()
	msg, err := protocol.Decode(body)
	if err != nil {
		handler.HandleError(c, err)
		writeJSONError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, err.Error())
		return
	}

	handler.HandleMessage(c, msg)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"accepted":true}`))
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

// sseClient is one open event stream.
type sseClient struct {
	*clientState
	pump *sendPump
}

func (c *sseClient) Send(msg *protocol.Message) { c.pump.Send(msg) }

// IsPressured reports the drain-needed state of the stream's send path.
func (c *sseClient) IsPressured() bool { return c.pump.IsPressured() }
func (c *sseClient) IsConnected() bool { return !c.pump.isClosed() }

func (c *sseClient) Close() error {
	c.pump.close()
	return nil
}
