// ABOUTME: Socket transport core shared by TCP and Unix domain sockets.
// ABOUTME: Accept loop, NDJSON reader per connection, buffered writer pump.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom-gateway/internal/protocol"
)

// SocketTransport serves NDJSON-framed clients over a stream network
// ("tcp" or "unix"). One instance per listen address.
type SocketTransport struct {
	name    string
	network string
	addr    string

	*clientTable
	handler Handler
	logger  *slog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewTCPTransport creates a socket transport listening on a TCP address.
func NewTCPTransport(addr string, logger *slog.Logger) *SocketTransport {
	return newSocketTransport("tcp", "tcp", addr, logger)
}

// NewUnixTransport creates a socket transport listening on a Unix domain
// socket path. A stale socket file at the path is removed on Start.
func NewUnixTransport(path string, logger *slog.Logger) *SocketTransport {
	return newSocketTransport("unix", "unix", path, logger)
}

func newSocketTransport(name, network, addr string, logger *slog.Logger) *SocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketTransport{
		name:        name,
		network:     network,
		addr:        addr,
		clientTable: newClientTable(),
		handler:     nopHandler{},
		logger:      logger.With("component", "transport", "transport", name),
	}
}

// Name implements Transport.
func (t *SocketTransport) Name() string { return t.name }

// SetHandler implements Transport.
func (t *SocketTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *SocketTransport) currentHandler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// Addr returns the bound listener address, useful when listening on :0.
func (t *SocketTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Start binds the listener and begins accepting connections.
func (t *SocketTransport) Start(ctx context.Context) error {
	if t.network == "unix" {
		if err := os.Remove(t.addr); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket: %w", err)
		}
	}

	ln, err := net.Listen(t.network, t.addr)
	if err != nil {
		return fmt.Errorf("listening on %s %s: %w", t.network, t.addr, err)
	}

	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()

	t.logger.Info("transport listening", "addr", ln.Addr().String())
	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

// Stop closes the listener and every live connection.
func (t *SocketTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	ln := t.ln
	t.ln = nil
	t.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range t.Clients() {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if t.network == "unix" {
		if err := os.Remove(t.addr); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing socket file: %w", err)
		}
	}
	return nil
}

func (t *SocketTransport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("accept failed", "error", err)
			continue
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

// serveConn owns one connection's lifecycle: registration, reader loop,
// writer pump, and teardown.
func (t *SocketTransport) serveConn(conn net.Conn) {
	defer t.wg.Done()

	c := &socketClient{
		clientState: newClientState(uuid.New().String(), t.name),
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
		t.writeLoop(c)
	}()

	t.readLoop(c, handler)

	_ = c.Close()
	wg.Wait()

	t.remove(c.ID())
	handler.HandleDisconnect(c)
	t.logger.Debug("client disconnected", "client_id", c.ID())
}

// readLoop feeds the line buffer and dispatches parsed messages. A
// malformed line yields one INVALID_MESSAGE reply and the connection
// continues.
func (t *SocketTransport) readLoop(c *socketClient, handler Handler) {
	var lb protocol.LineBuffer
	buf := make([]byte, 32*1024)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			for _, result := range lb.Feed(buf[:n]) {
				if result.Err != nil {
					c.Send(protocol.NewErrorMessage(protocol.CodeInvalidMessage, result.Err.Error()))
					handler.HandleError(c, result.Err)
					continue
				}
				handler.HandleMessage(c, result.Message)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				handler.HandleError(c, err)
			}
			return
		}
	}
}

// writeLoop drains the send pump onto the wire as NDJSON lines.
func (t *SocketTransport) writeLoop(c *socketClient) {
	for {
		msg, ok := c.pump.next()
		if !ok {
			return
		}
		line, err := protocol.EncodeLine(msg)
		if err != nil {
			t.logger.Warn("encoding outbound message", "client_id", c.ID(), "error", err)
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		if _, err := c.conn.Write(line); err != nil {
			_ = c.Close()
			return
		}
	}
}

// socketClient is one NDJSON-framed connection.
type socketClient struct {
	*clientState
	pump *sendPump
	conn net.Conn

	closeOnce sync.Once
}

func (c *socketClient) Send(msg *protocol.Message) { c.pump.Send(msg) }
func (c *socketClient) IsPressured() bool          { return c.pump.IsPressured() }
func (c *socketClient) IsConnected() bool          { return !c.pump.isClosed() }

func (c *socketClient) Close() error {
	c.closeOnce.Do(func() {
		c.pump.close()
		_ = c.conn.Close()
	})
	return nil
}
