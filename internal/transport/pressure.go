// ABOUTME: Per-client overflow buffer used while a sink is pressured.
// ABOUTME: FIFO, drained by the client's writer pump as pressure clears.

package transport

import (
	"sync"

	"github.com/loomhq/loom-gateway/internal/protocol"
)

// pressureBuffer queues messages for one client while its send channel is
// saturated. It is destroyed with the client; Drop discards everything on
// disconnect.
type pressureBuffer struct {
	mu    sync.Mutex
	queue []*protocol.Message
}

// Push appends a message to the overflow queue.
func (b *pressureBuffer) Push(msg *protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, msg)
}

// Pop removes and returns the oldest queued message, or nil when empty.
func (b *pressureBuffer) Pop() *protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return nil
	}
	msg := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	if len(b.queue) == 0 {
		b.queue = nil
	}
	return msg
}

// Len returns the number of queued messages.
func (b *pressureBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Drop discards all queued messages.
func (b *pressureBuffer) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
}
