// ABOUTME: In-process transport for embedding callers and tests.
// ABOUTME: No network boundary, no backpressure: always the direct-write path.

package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loomhq/loom-gateway/internal/protocol"
)

// inprocBufferSize is the receive buffer per in-process client. With no
// natural backpressure signal, overflow drops rather than blocks.
const inprocBufferSize = 256

// InprocTransport connects callers living in the same process as the
// gateway. Start and Stop are no-ops: there is no network boundary to bind.
type InprocTransport struct {
	*clientTable
	logger *slog.Logger

	mu      sync.Mutex
	handler Handler
}

// NewInprocTransport creates the in-process transport.
func NewInprocTransport(logger *slog.Logger) *InprocTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &InprocTransport{
		clientTable: newClientTable(),
		logger:      logger.With("component", "transport", "transport", "inproc"),
		handler:     nopHandler{},
	}
}

// Name implements Transport.
func (t *InprocTransport) Name() string { return "inproc" }

// Start implements Transport as a no-op.
func (t *InprocTransport) Start(ctx context.Context) error { return nil }

// Stop disconnects every in-process client.
func (t *InprocTransport) Stop(ctx context.Context) error {
	for _, c := range t.Clients() {
		_ = c.Close()
	}
	return nil
}

// SetHandler implements Transport.
func (t *InprocTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *InprocTransport) currentHandler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// Connect attaches a new in-process client. An empty id gets a generated
// one. The returned connection is the caller's handle for sending to and
// receiving from the gateway.
func (t *InprocTransport) Connect(clientID string) *InprocConn {
	if clientID == "" {
		clientID = uuid.New().String()
	}

	c := &InprocConn{
		clientState: newClientState(clientID, t.Name()),
		transport:   t,
		recv:        make(chan *protocol.Message, inprocBufferSize),
		closed:      make(chan struct{}),
	}
	t.add(c)
	t.currentHandler().HandleConnection(c)
	return c
}

// InprocConn is both the transport's Client and the caller's handle.
type InprocConn struct {
	*clientState
	transport *InprocTransport

	recv      chan *protocol.Message
	closeOnce sync.Once
	closed    chan struct{}
}

// Deliver hands a message from the in-process caller to the gateway.
func (c *InprocConn) Deliver(msg *protocol.Message) {
	select {
	case <-c.closed:
		return
	default:
	}
	c.transport.currentHandler().HandleMessage(c, msg)
}

// Receive exposes the gateway-to-caller message stream. The channel is
// never closed; select against Done for termination.
func (c *InprocConn) Receive() <-chan *protocol.Message {
	return c.recv
}

// Done is closed when the connection closes.
func (c *InprocConn) Done() <-chan struct{} {
	return c.closed
}

// Send implements Client with a direct write; drops when the caller's
// buffer is full or the connection is closed.
func (c *InprocConn) Send(msg *protocol.Message) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.recv <- msg:
	default:
		c.transport.logger.Debug("dropping message for slow in-process client", "client_id", c.ID())
	}
}

// IsPressured implements Client; in-process sinks never report pressure.
func (c *InprocConn) IsPressured() bool { return false }

func (c *InprocConn) IsConnected() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Close detaches the client and notifies the gateway.
func (c *InprocConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.transport.remove(c.ID())
		c.transport.currentHandler().HandleDisconnect(c)
	})
	return nil
}
