// ABOUTME: Unbounded FIFO between the backend drain loop and the direct
// ABOUTME: caller's event channel, keeping broadcast independent of the caller.

package gateway

import (
	"sync"

	"github.com/loomhq/loom-gateway/internal/backend"
)

// callerSpill buffers stream events for the direct caller. The drain loop
// pushes without blocking; a separate goroutine feeds the caller's channel
// at whatever pace it reads. Same role as the per-client pressure buffer in
// the transport layer, scoped to one render.
type callerSpill struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []backend.StreamEvent
	closed bool
}

func newCallerSpill() *callerSpill {
	s := &callerSpill{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// push appends one event. Never blocks.
func (s *callerSpill) push(ev backend.StreamEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.cond.Signal()
}

// close marks the producer side done. Queued events still deliver.
func (s *callerSpill) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Signal()
}

// drain forwards queued events to out in order, closing out once the queue
// empties after close.
func (s *callerSpill) drain(out chan<- backend.StreamEvent) {
	defer close(out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		out <- ev
	}
}
