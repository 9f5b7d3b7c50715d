// ABOUTME: Message envelope types for client<->gateway traffic.
// ABOUTME: One struct covers all envelope kinds; messages are immutable once sent.

package protocol

import "encoding/json"

// MessageType discriminates the envelope kinds.
type MessageType string

// Client -> gateway envelope types.
const (
	TypeConnect MessageType = "connect"
	TypeReq     MessageType = "req"
	TypePing    MessageType = "ping"
)

// Gateway -> client envelope types.
const (
	TypeConnected MessageType = "connected"
	TypeRes       MessageType = "res"
	TypeEvent     MessageType = "event"
	TypePong      MessageType = "pong"
	TypeError     MessageType = "error"
)

// Error codes carried by error envelopes and res.error payloads.
const (
	CodeAuthFailed     = "AUTH_FAILED"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeUnknownApp     = "UNKNOWN_APP"
	CodeUnknownMethod  = "UNKNOWN_METHOD"
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeMethodExists   = "METHOD_EXISTS"
	CodePluginExists   = "PLUGIN_EXISTS"
	CodeBackendError   = "BACKEND_ERROR"
)

// WireError is the structured error carried inside res envelopes.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AppSummary describes one registered app in a connected envelope.
type AppSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Default bool   `json:"default,omitempty"`
}

// SessionSummary describes one known session in a connected envelope.
type SessionSummary struct {
	ID           string `json:"id"`
	AppID        string `json:"appId"`
	MessageCount int    `json:"messageCount"`
	Active       bool   `json:"active"`
}

// Message is the single envelope struct for all message types. Fields not
// relevant to a given Type are zero and omitted from the encoding.
type Message struct {
	Type MessageType `json:"type"`

	// connect
	ClientID string `json:"clientId,omitempty"`
	Token    string `json:"token,omitempty"`

	// req / res
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *WireError      `json:"error,omitempty"`

	// ping / pong
	Timestamp int64 `json:"timestamp,omitempty"`

	// connected
	GatewayID string           `json:"gatewayId,omitempty"`
	Apps      []AppSummary     `json:"apps,omitempty"`
	Sessions  []SessionSummary `json:"sessions,omitempty"`

	// event
	Event     string          `json:"event,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewErrorMessage builds a top-level error envelope.
func NewErrorMessage(code, message string) *Message {
	return &Message{Type: TypeError, Code: code, Message: message}
}

// NewResult builds a successful res envelope for the given request id.
func NewResult(id string, payload json.RawMessage) *Message {
	ok := true
	return &Message{Type: TypeRes, ID: id, OK: &ok, Payload: payload}
}

// NewResultError builds a failed res envelope for the given request id.
func NewResultError(id, code, message string) *Message {
	ok := false
	return &Message{Type: TypeRes, ID: id, OK: &ok, Error: &WireError{Code: code, Message: message}}
}

// NewEventMessage builds an event envelope bound to a session.
func NewEventMessage(event, sessionID string, data json.RawMessage) *Message {
	return &Message{Type: TypeEvent, Event: event, SessionID: sessionID, Data: data}
}

// NewPong builds a pong envelope echoing the ping timestamp.
func NewPong(timestamp int64) *Message {
	return &Message{Type: TypePong, Timestamp: timestamp}
}

// Encode serializes the message to its JSON form without a trailing newline.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses one JSON document into a Message. The type field must be
// present and non-empty.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Type == "" {
		return nil, ErrMissingType
	}
	return &m, nil
}
