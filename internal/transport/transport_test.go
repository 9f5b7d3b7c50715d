// ABOUTME: Shared test handler plus client-table broadcast/fan-out tests
// ABOUTME: exercised through the in-process transport.

package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom-gateway/internal/auth"
	"github.com/loomhq/loom-gateway/internal/protocol"
)

// captureHandler records transport callbacks for assertions.
type captureHandler struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	messages     []capturedMessage
	errs         []error
}

type capturedMessage struct {
	clientID string
	msg      *protocol.Message
}

func (h *captureHandler) HandleConnection(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = append(h.connected, c.ID())
}

func (h *captureHandler) HandleDisconnect(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, c.ID())
}

func (h *captureHandler) HandleMessage(c Client, msg *protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, capturedMessage{clientID: c.ID(), msg: msg})
}

func (h *captureHandler) HandleError(c Client, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *captureHandler) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func (h *captureHandler) lastMessage() (capturedMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) == 0 {
		return capturedMessage{}, false
	}
	return h.messages[len(h.messages)-1], true
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBroadcast_AuthenticatedClientsOnly(t *testing.T) {
	tr := NewInprocTransport(nil)
	tr.SetHandler(&captureHandler{})

	authed := tr.Connect("authed")
	authed.SetAuthenticated(&auth.User{ID: "authed"})
	anon := tr.Connect("anon")

	tr.Broadcast(protocol.NewPong(9))

	select {
	case msg := <-authed.Receive():
		assert.Equal(t, int64(9), msg.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("authenticated client did not receive broadcast")
	}

	select {
	case <-anon.Receive():
		t.Fatal("unauthenticated client must not receive broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendToSubscribers_FiltersAndExcludes(t *testing.T) {
	tr := NewInprocTransport(nil)
	tr.SetHandler(&captureHandler{})

	sub := tr.Connect("sub")
	sub.SetAuthenticated(&auth.User{ID: "sub"})
	sub.Subscribe("chat:main")

	sender := tr.Connect("sender")
	sender.SetAuthenticated(&auth.User{ID: "sender"})
	sender.Subscribe("chat:main")

	outsider := tr.Connect("outsider")
	outsider.SetAuthenticated(&auth.User{ID: "outsider"})

	tr.SendToSubscribers("chat:main", protocol.NewEventMessage("text", "chat:main", nil), "sender")

	select {
	case msg := <-sub.Receive():
		assert.Equal(t, "chat:main", msg.SessionID)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case <-sender.Receive():
		t.Fatal("excluded sender must not receive its own event via broadcast")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case <-outsider.Receive():
		t.Fatal("non-subscriber must not receive session events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInproc_ConnectDeliverClose(t *testing.T) {
	tr := NewInprocTransport(nil)
	h := &captureHandler{}
	tr.SetHandler(h)

	conn := tr.Connect("c1")
	require.Equal(t, 1, tr.ClientCount())
	assert.False(t, conn.IsPressured())

	conn.Deliver(&protocol.Message{Type: protocol.TypePing, Timestamp: 5})
	waitFor(t, func() bool { return h.messageCount() == 1 }, "delivered message")

	last, ok := h.lastMessage()
	require.True(t, ok)
	assert.Equal(t, "c1", last.clientID)

	require.NoError(t, conn.Close())
	assert.Equal(t, 0, tr.ClientCount())
	assert.False(t, conn.IsConnected())

	// Send and Deliver after close are silent no-ops.
	conn.Send(protocol.NewPong(1))
	conn.Deliver(protocol.NewPong(1))
	assert.Equal(t, 1, h.messageCount())
}

func TestClientState_Subscriptions(t *testing.T) {
	s := newClientState("c1", "test")
	s.Subscribe("a:1")
	s.Subscribe("b:2")
	s.Subscribe("a:1")

	assert.True(t, s.Subscribed("a:1"))
	assert.Equal(t, []string{"a:1", "b:2"}, s.Subscriptions())

	s.Unsubscribe("a:1")
	assert.False(t, s.Subscribed("a:1"))
}
