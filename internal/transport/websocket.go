// ABOUTME: WebSocket transport: one JSON message per text frame, read pump
// ABOUTME: plus write pump with ping control frames.

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loomhq/loom-gateway/internal/protocol"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 4 << 20
)

// WebSocketTransport adapts WebSocket connections to the transport
// contract. Like the SSE transport it mounts on a shared HTTP server.
type WebSocketTransport struct {
	*clientTable
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	handler Handler
}

// NewWebSocketTransport creates the WebSocket transport.
func NewWebSocketTransport(logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		clientTable: newClientTable(),
		logger:      logger.With("component", "transport", "transport", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is the embedding server's concern; the gateway
			// authenticates via the connect envelope.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handler: nopHandler{},
	}
}

// Name implements Transport.
func (t *WebSocketTransport) Name() string { return "websocket" }

// Start implements Transport; the WebSocket transport binds nothing itself.
func (t *WebSocketTransport) Start(ctx context.Context) error { return nil }

// Stop closes every live connection.
func (t *WebSocketTransport) Stop(ctx context.Context) error {
	for _, c := range t.Clients() {
		_ = c.Close()
	}
	return nil
}

// SetHandler implements Transport.
func (t *WebSocketTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *WebSocketTransport) currentHandler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// RegisterRoutes mounts the upgrade endpoint on mux.
func (t *WebSocketTransport) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/ws", t.handleUpgrade)
}

func (t *WebSocketTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		clientState: newClientState(uuid.New().String(), t.Name()),
		pump:        newSendPump(),
		conn:        conn,
	}
	t.add(c)
	handler := t.currentHandler()
	handler.HandleConnection(c)
	t.logger.Debug("client connected", "client_id", c.ID(), "remote", conn.RemoteAddr())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.writePump(c)
	}()

	t.readPump(c, handler)

	_ = c.Close()
	wg.Wait()

	t.remove(c.ID())
	handler.HandleDisconnect(c)
	t.logger.Debug("client disconnected", "client_id", c.ID())
}

// readPump dispatches inbound frames. A frame that is not valid JSON gets
// one INVALID_MESSAGE reply; the connection continues.
func (t *WebSocketTransport) readPump(c *wsClient, handler Handler) {
	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				handler.HandleError(c, err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.Send(protocol.NewErrorMessage(protocol.CodeInvalidMessage, err.Error()))
			handler.HandleError(c, err)
			continue
		}
		handler.HandleMessage(c, msg)
	}
}

// writePump drains the send pump onto the socket and keeps the connection
// alive with pings.
func (t *WebSocketTransport) writePump(c *wsClient) {
	for {
		msg, ok, idle := c.pump.nextWait(wsPingPeriod)
		if !ok && !idle {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		}
		if idle {
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = c.Close()
				return
			}
			continue
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			_ = c.Close()
			return
		}
	}
}

// wsClient is one upgraded WebSocket connection.
type wsClient struct {
	*clientState
	pump *sendPump
	conn *websocket.Conn

	closeOnce sync.Once
}

func (c *wsClient) Send(msg *protocol.Message) { c.pump.Send(msg) }
func (c *wsClient) IsPressured() bool          { return c.pump.IsPressured() }
func (c *wsClient) IsConnected() bool          { return !c.pump.isClosed() }

func (c *wsClient) Close() error {
	c.closeOnce.Do(func() {
		c.pump.close()
		_ = c.conn.Close()
	})
	return nil
}
