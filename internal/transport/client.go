// ABOUTME: Shared client state and the buffered send pump used by every
// ABOUTME: network-backed client (TCP, Unix, SSE, WebSocket).

package transport

import (
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom-gateway/internal/auth"
	"github.com/loomhq/loom-gateway/internal/protocol"
)

// sendChannelSize bounds the in-order send channel per client. Beyond it
// the client is pressured and messages queue in the overflow buffer.
const sendChannelSize = 64

// clientState carries the bookkeeping common to every client kind.
type clientState struct {
	id          string
	transport   string
	connectedAt time.Time

	mu            sync.RWMutex
	authenticated bool
	user          *auth.User
	subscriptions map[string]struct{}
}

func newClientState(id, transportName string) *clientState {
	return &clientState{
		id:            id,
		transport:     transportName,
		connectedAt:   time.Now(),
		subscriptions: make(map[string]struct{}),
	}
}

func (s *clientState) ID() string             { return s.id }
func (s *clientState) Transport() string      { return s.transport }
func (s *clientState) ConnectedAt() time.Time { return s.connectedAt }

func (s *clientState) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

func (s *clientState) SetAuthenticated(user *auth.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	s.user = user
}

func (s *clientState) User() *auth.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *clientState) Subscribe(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sessionID] = struct{}{}
}

func (s *clientState) Unsubscribe(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, sessionID)
}

func (s *clientState) Subscribed(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscriptions[sessionID]
	return ok
}

func (s *clientState) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// sendPump is the buffered, in-order write path shared by network clients.
// Send never blocks: when the channel saturates, messages spill into the
// overflow buffer, preserving FIFO order relative to later sends.
type sendPump struct {
	sendCh   chan *protocol.Message
	overflow pressureBuffer

	queueMu sync.Mutex // orders the channel-vs-overflow decision

	closeOnce sync.Once
	closed    chan struct{}
}

func newSendPump() *sendPump {
	return &sendPump{
		sendCh: make(chan *protocol.Message, sendChannelSize),
		closed: make(chan struct{}),
	}
}

// Send enqueues a message for the writer pump. Drops silently after close.
func (p *sendPump) Send(msg *protocol.Message) {
	select {
	case <-p.closed:
		return
	default:
	}

	p.queueMu.Lock()
	defer p.queueMu.Unlock()

	// Once anything sits in overflow, later messages must follow it to
	// keep delivery order.
	if p.overflow.Len() > 0 {
		p.overflow.Push(msg)
		return
	}
	select {
	case p.sendCh <- msg:
	default:
		p.overflow.Push(msg)
	}
}

// IsPressured reports a saturated send channel or a non-empty overflow.
func (p *sendPump) IsPressured() bool {
	return len(p.sendCh) == cap(p.sendCh) || p.overflow.Len() > 0
}

// overflowRecheck bounds how long a parked pump can miss a message that
// spilled into the overflow during the park decision.
const overflowRecheck = 50 * time.Millisecond

// next returns the next message to write, blocking until one is available
// or the pump closes. Channel entries drain before overflow entries; the
// overflow refuses new jumps ahead via Send's ordering rule.
func (p *sendPump) next() (*protocol.Message, bool) {
	for {
		select {
		case msg := <-p.sendCh:
			return msg, true
		default:
		}
		if msg := p.overflow.Pop(); msg != nil {
			return msg, true
		}

		timer := time.NewTimer(overflowRecheck)
		select {
		case msg := <-p.sendCh:
			timer.Stop()
			return msg, true
		case <-p.closed:
			timer.Stop()
			return nil, false
		case <-timer.C:
		}
	}
}

// nextWait is next with an idle timeout, used by pumps that interleave
// heartbeats. The third result is true when the timeout fired.
func (p *sendPump) nextWait(idle time.Duration) (*protocol.Message, bool, bool) {
	select {
	case msg := <-p.sendCh:
		return msg, true, false
	default:
	}
	if msg := p.overflow.Pop(); msg != nil {
		return msg, true, false
	}

	timer := time.NewTimer(idle)
	defer timer.Stop()
	select {
	case msg := <-p.sendCh:
		return msg, true, false
	case <-p.closed:
		return nil, false, false
	case <-timer.C:
		return nil, true, true
	}
}

// close marks the pump closed and discards buffered messages.
func (p *sendPump) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.overflow.Drop()
	})
}

func (p *sendPump) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
