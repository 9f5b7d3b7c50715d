// ABOUTME: Flat string-keyed method registry with ownership tracking.
// ABOUTME: Built-in names belong to the gateway and can never be reclaimed.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loomhq/loom-gateway/internal/protocol"
	"github.com/loomhq/loom-gateway/internal/transport"
)

// GatewayOwner is the owner recorded for built-in methods.
const GatewayOwner = "gateway"

// ErrMethodExists indicates a registration against an already-claimed path.
var ErrMethodExists = errors.New("method already registered")

// ErrUnknownMethod indicates a call to a method no one has registered.
var ErrUnknownMethod = errors.New("unknown method")

// MethodCall carries one invocation through the registry.
type MethodCall struct {
	Method string
	Params json.RawMessage

	// ClientID is the caller's client id, empty for internal invocations.
	ClientID string

	// Caller is the originating client when the call arrived over a
	// transport; nil for internal invocations. Streaming methods push
	// event frames to it before returning their terminal payload.
	Caller transport.Client
}

// MethodHandler executes one method call.
type MethodHandler func(ctx context.Context, call *MethodCall) (json.RawMessage, error)

type methodEntry struct {
	handler MethodHandler
	owner   string
}

// MethodRegistry maps "namespace:name" paths to handlers. First registration
// wins; a second claim fails without disturbing the first owner.
type MethodRegistry struct {
	mu      sync.RWMutex
	methods map[string]methodEntry
}

// NewMethodRegistry creates an empty registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{methods: make(map[string]methodEntry)}
}

// Register claims a method path for owner. Claimed paths fail with
// ErrMethodExists.
func (r *MethodRegistry) Register(method, owner string, handler MethodHandler) error {
	if method == "" {
		return fmt.Errorf("method path is required")
	}
	if handler == nil {
		return fmt.Errorf("method %q: handler is required", method)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.methods[method]; ok {
		return fmt.Errorf("%w: %s (owner %s)", ErrMethodExists, method, existing.owner)
	}
	r.methods[method] = methodEntry{handler: handler, owner: owner}
	return nil
}

// Unregister removes a method if owner still holds it. A non-owner call is a
// no-op.
func (r *MethodRegistry) Unregister(method, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.methods[method]; ok && e.owner == owner {
		delete(r.methods, method)
	}
}

// UnregisterOwner removes every method owned by owner and returns the
// removed paths. Used for plugin rollback and removal.
func (r *MethodRegistry) UnregisterOwner(owner string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for method, e := range r.methods {
		if e.owner == owner {
			delete(r.methods, method)
			removed = append(removed, method)
		}
	}
	sort.Strings(removed)
	return removed
}

// Lookup returns the handler for a method path.
func (r *MethodRegistry) Lookup(method string) (MethodHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.methods[method]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// Owner returns the owner of a method path, if registered.
func (r *MethodRegistry) Owner(method string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.methods[method]
	return e.owner, ok
}

// List returns all registered method paths, sorted.
func (r *MethodRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.methods))
	for method := range r.methods {
		out = append(out, method)
	}
	sort.Strings(out)
	return out
}

// Invoke dispatches one call through the registry. Any registered method is
// callable, built-in or plugin-provided.
func (r *MethodRegistry) Invoke(ctx context.Context, call *MethodCall) (json.RawMessage, error) {
	handler, ok := r.Lookup(call.Method)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, call.Method)
	}
	return handler(ctx, call)
}

// CodedError is an error carrying a wire error code. Method handlers return
// it to control the code surfaced in the res envelope; plain errors map to
// BACKEND_ERROR.
type CodedError struct {
	Code string
	Msg  string
}

func (e *CodedError) Error() string { return e.Msg }

// Errc builds a CodedError.
func Errc(code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// wireErrorFor maps a handler error to the wire error for a res envelope.
func wireErrorFor(err error) *protocol.WireError {
	var coded *CodedError
	if errors.As(err, &coded) {
		return &protocol.WireError{Code: coded.Code, Message: coded.Msg}
	}
	if errors.Is(err, ErrUnknownMethod) {
		return &protocol.WireError{Code: protocol.CodeUnknownMethod, Message: err.Error()}
	}
	return &protocol.WireError{Code: protocol.CodeBackendError, Message: err.Error()}
}
