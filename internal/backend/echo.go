// ABOUTME: In-memory echo backend used by tests and the init scaffold.
// ABOUTME: Renders input by echoing text segments back as stream events.

package backend

import (
	"context"
	"encoding/json"
	"sync"
)

// Stream event types emitted by the echo backend.
const (
	EventText      = "text"
	EventDone      = "done"
	EventError     = "error"
	EventCancelled = "cancelled"
)

// EchoApp is a trivial backend whose sessions echo text input back. It
// exists so the gateway can run (and be tested) without a real execution
// backend attached.
type EchoApp struct {
	id string

	mu       sync.Mutex
	sessions map[string]*echoSession
}

// NewEchoApp creates an echo backend with the given app id.
func NewEchoApp(id string) *EchoApp {
	return &EchoApp{
		id:       id,
		sessions: make(map[string]*echoSession),
	}
}

// ID implements App.
func (a *EchoApp) ID() string { return a.id }

// Describe implements App.
func (a *EchoApp) Describe() AppInfo {
	return AppInfo{ID: a.id, Name: a.id, Description: "echo backend"}
}

// Session returns the live session for name, creating it on first use.
// After a Close the same name yields a fresh session.
func (a *EchoApp) Session(name string) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.sessions[name]; ok && !s.isClosed() {
		return s, nil
	}
	s := &echoSession{
		app:      a,
		name:     name,
		channels: make(map[string]*memChannel),
	}
	a.sessions[name] = s
	return s, nil
}

type echoSession struct {
	app  *EchoApp
	name string

	mu       sync.Mutex
	closed   bool
	channels map[string]*memChannel
}

func (s *echoSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Render echoes each text block back as a text event, then terminates the
// stream. Cancellation is observed between events.
func (s *echoSession) Render(ctx context.Context, input []Message) (<-chan StreamEvent, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		for _, msg := range input {
			for _, block := range msg.Content {
				if block.Type != "text" {
					continue
				}
				select {
				case <-ctx.Done():
					out <- StreamEvent{Type: EventCancelled, Done: true, Err: ctx.Err().Error()}
					return
				default:
				}
				data, _ := json.Marshal(map[string]string{"text": block.Text})
				out <- StreamEvent{Type: EventText, Data: data}
			}
		}
		out <- StreamEvent{Type: EventDone, Done: true}
	}()
	return out, nil
}

func (s *echoSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.channels = make(map[string]*memChannel)
	return nil
}

// Interrupt is a no-op for the echo backend; its renders complete
// synchronously with respect to their input.
func (s *echoSession) Interrupt(ctx context.Context, signal, reason string) error {
	return nil
}

// Dispatch echoes the tool input back as a single text block.
func (s *echoSession) Dispatch(ctx context.Context, tool string, input json.RawMessage) ([]ContentBlock, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	return []ContentBlock{{Type: "text", Text: tool + ": " + string(input)}}, nil
}

func (s *echoSession) Channel(name string) Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[name]
	if !ok {
		ch = &memChannel{subs: make(map[int]func(StreamEvent))}
		s.channels[name] = ch
	}
	return ch
}

// memChannel is an in-memory pub/sub channel.
type memChannel struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(StreamEvent)
}

func (c *memChannel) Publish(ev StreamEvent) {
	c.mu.Lock()
	fns := make([]func(StreamEvent), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (c *memChannel) Subscribe(fn func(StreamEvent)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}
