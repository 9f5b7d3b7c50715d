// ABOUTME: Transport and Client contracts plus the shared client table.
// ABOUTME: Broadcast and per-session fan-out operate on the table.

package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom-gateway/internal/auth"
	"github.com/loomhq/loom-gateway/internal/protocol"
)

// Handler receives transport lifecycle and message events. The gateway
// implements it once and attaches itself to every transport.
type Handler interface {
	HandleConnection(c Client)
	HandleDisconnect(c Client)
	HandleMessage(c Client, msg *protocol.Message)
	// HandleError observes per-client transport errors (bad frames, write
	// failures). The transport has already replied or cleaned up; this is
	// for visibility only.
	HandleError(c Client, err error)
}

// Transport adapts one physical medium to the gateway.
type Transport interface {
	Name() string

	// Start binds the medium. Transports with no network boundary of
	// their own (in-process, HTTP transports mounted on a shared server)
	// treat this as a no-op.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SetHandler(h Handler)

	Client(id string) (Client, bool)
	Clients() []Client
	AuthenticatedClients() []Client
	ClientCount() int

	// Broadcast sends to every authenticated client on this transport.
	Broadcast(msg *protocol.Message)

	// SendToSubscribers sends to every authenticated client subscribed to
	// the session, skipping the excluded client ids.
	SendToSubscribers(sessionID string, msg *protocol.Message, exclude ...string)
}

// Client is one connected endpoint, owned exclusively by its transport.
type Client interface {
	ID() string
	Transport() string
	ConnectedAt() time.Time

	Authenticated() bool
	SetAuthenticated(user *auth.User)
	User() *auth.User

	Subscribe(sessionID string)
	Unsubscribe(sessionID string)
	Subscribed(sessionID string) bool
	Subscriptions() []string

	// Send never blocks and never fails; messages to a disconnected
	// client are silently dropped.
	Send(msg *protocol.Message)
	Close() error
	IsConnected() bool

	// IsPressured reports whether the sink cannot accept more data
	// without unbounded buffering.
	IsPressured() bool
}

// clientTable is the registry of live clients shared by all transport
// implementations.
type clientTable struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func newClientTable() *clientTable {
	return &clientTable{clients: make(map[string]Client)}
}

func (t *clientTable) add(c Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[c.ID()] = c
}

func (t *clientTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, id)
}

// Client returns the client with the given id, if connected.
func (t *clientTable) Client(id string) (Client, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.clients[id]
	return c, ok
}

// Clients returns all connected clients, sorted by id.
func (t *clientTable) Clients() []Client {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Client, 0, len(t.clients))
	for _, c := range t.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// AuthenticatedClients returns the connected clients that have completed a
// successful connect, sorted by id.
func (t *clientTable) AuthenticatedClients() []Client {
	all := t.Clients()
	out := all[:0]
	for _, c := range all {
		if c.Authenticated() {
			out = append(out, c)
		}
	}
	return out
}

// ClientCount returns the number of connected clients.
func (t *clientTable) ClientCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// Broadcast sends to every authenticated client. Delivery to each client
// goes through its own send path; a pressured client buffers rather than
// stalling the loop.
func (t *clientTable) Broadcast(msg *protocol.Message) {
	for _, c := range t.AuthenticatedClients() {
		c.Send(msg)
	}
}

// SendToSubscribers sends to every authenticated subscriber of sessionID,
// skipping excluded client ids.
func (t *clientTable) SendToSubscribers(sessionID string, msg *protocol.Message, exclude ...string) {
	for _, c := range t.AuthenticatedClients() {
		if !c.Subscribed(sessionID) {
			continue
		}
		skip := false
		for _, ex := range exclude {
			if c.ID() == ex {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		c.Send(msg)
	}
}

// nopHandler is installed until the gateway attaches itself, so early
// connections never hit a nil handler.
type nopHandler struct{}

func (nopHandler) HandleConnection(Client)                     {}
func (nopHandler) HandleDisconnect(Client)                     {}
func (nopHandler) HandleMessage(Client, *protocol.Message)     {}
func (nopHandler) HandleError(Client, error)                   {}
