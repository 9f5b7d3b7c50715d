// ABOUTME: App/Session/Channel interfaces, stream events, and input parsing.
// ABOUTME: The only surface the gateway core depends on for execution.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSessionClosed indicates an operation on a session after Close.
var ErrSessionClosed = errors.New("backend session closed")

// AppInfo describes an app for the connected envelope and gateway:describe.
type AppInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// StreamEvent is one event produced by a rendering session. The gateway
// treats Data opaquely and attaches SessionID before forwarding. Done marks
// the terminal event of a stream; Err carries a terminal error description.
type StreamEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Done      bool            `json:"done,omitempty"`
	Err       string          `json:"error,omitempty"`
}

// ContentBlock is one unit of message content.
type ContentBlock struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is one input message handed to Render.
type Message struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content"`
}

// UnmarshalJSON accepts both string content and block-array content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var aux struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Role = aux.Role
	m.Content = nil
	if len(aux.Content) == 0 {
		return nil
	}

	var s string
	if err := json.Unmarshal(aux.Content, &s); err == nil {
		m.Content = []ContentBlock{{Type: "text", Text: s}}
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(aux.Content, &blocks); err != nil {
		return err
	}
	m.Content = blocks
	return nil
}

// App is one registered execution backend.
type App interface {
	ID() string
	Describe() AppInfo

	// Session returns the backend session for the given name, creating it
	// on first use. After a Close the same name yields a fresh session.
	Session(name string) (Session, error)
}

// Session is one live conversation inside a backend.
type Session interface {
	// Render feeds input to the session and returns its event stream. The
	// stream is closed after its terminal event. Cancellation is
	// cooperative via ctx: the backend observes it at its own yield points,
	// and the stream still reaches a terminal state when cancel races
	// natural completion.
	Render(ctx context.Context, input []Message) (<-chan StreamEvent, error)

	// Close tears the session down. Render on a closed session fails with
	// ErrSessionClosed.
	Close() error

	// Interrupt asks a running render to stop. Signal and reason pass
	// through to the backend verbatim.
	Interrupt(ctx context.Context, signal, reason string) error

	// Dispatch invokes a named tool directly, outside a render.
	Dispatch(ctx context.Context, tool string, input json.RawMessage) ([]ContentBlock, error)

	// Channel returns the named pub/sub channel for this session.
	Channel(name string) Channel
}

// Channel is a named pub/sub surface on a session.
type Channel interface {
	Publish(ev StreamEvent)
	// Subscribe registers fn for every published event and returns a cancel
	// func that removes the registration.
	Subscribe(fn func(StreamEvent)) (cancel func())
}

// ParseInput converts raw send-input JSON into messages. Accepted shapes:
// a bare string (one user text message), an array of strings, an array of
// content blocks, or an array of full message objects.
func ParseInput(raw json.RawMessage) ([]Message, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []Message{{Role: "user", Content: []ContentBlock{{Type: "text", Text: s}}}}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("input must be a string or an array: %w", err)
	}

	messages := make([]Message, 0, len(items))
	for i, item := range items {
		if err := json.Unmarshal(item, &s); err == nil {
			messages = append(messages, Message{Role: "user", Content: []ContentBlock{{Type: "text", Text: s}}})
			continue
		}

		var msg Message
		if err := json.Unmarshal(item, &msg); err == nil && len(msg.Content) > 0 {
			messages = append(messages, msg)
			continue
		}

		var block ContentBlock
		if err := json.Unmarshal(item, &block); err == nil && block.Type != "" {
			messages = append(messages, Message{Role: "user", Content: []ContentBlock{block}})
			continue
		}

		return nil, fmt.Errorf("input element %d has no usable shape", i)
	}
	return messages, nil
}
