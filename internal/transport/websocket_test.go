// ABOUTME: Tests for the WebSocket transport: upgrade, JSON frames in both
// ABOUTME: directions, and malformed-frame error replies.

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom-gateway/internal/protocol"
)

func startWS(t *testing.T) (*WebSocketTransport, *captureHandler, *websocket.Conn) {
	t.Helper()
	tr := NewWebSocketTransport(nil)
	h := &captureHandler{}
	tr.SetHandler(h)

	mux := http.NewServeMux()
	tr.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = tr.Stop(context.Background()) })

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return tr, h, conn
}

func TestWebSocketTransport_InboundFrame(t *testing.T) {
	_, h, conn := startWS(t)

	require.NoError(t, conn.WriteJSON(&protocol.Message{Type: protocol.TypePing, Timestamp: 8}))
	waitFor(t, func() bool { return h.messageCount() == 1 }, "inbound frame")

	last, _ := h.lastMessage()
	assert.Equal(t, int64(8), last.msg.Timestamp)
}

func TestWebSocketTransport_OutboundFrame(t *testing.T) {
	tr, _, conn := startWS(t)
	waitFor(t, func() bool { return tr.ClientCount() == 1 }, "client registered")

	tr.Clients()[0].Send(protocol.NewPong(13))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, protocol.TypePong, msg.Type)
	assert.Equal(t, int64(13), msg.Timestamp)
}

func TestWebSocketTransport_MalformedFrameGetsErrorReply(t *testing.T) {
	tr, _, conn := startWS(t)
	waitFor(t, func() bool { return tr.ClientCount() == 1 }, "client registered")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply protocol.Message
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, protocol.TypeError, reply.Type)
	assert.Equal(t, protocol.CodeInvalidMessage, reply.Code)
	assert.Equal(t, 1, tr.ClientCount(), "connection survives a bad frame")
}

func TestWebSocketTransport_DisconnectPrunes(t *testing.T) {
	tr, h, conn := startWS(t)
	waitFor(t, func() bool { return tr.ClientCount() == 1 }, "client registered")

	require.NoError(t, conn.Close())
	waitFor(t, func() bool { return tr.ClientCount() == 0 }, "client pruned")

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.disconnected, 1)
}
