// ABOUTME: Plugin registry: Use/Remove lifecycle, capability context, and
// ABOUTME: rollback of registrations when Initialize fails.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/loomhq/loom-gateway/internal/backend"
	"github.com/loomhq/loom-gateway/internal/protocol"
)

// Plugin extends the gateway with methods and event listeners.
type Plugin interface {
	ID() string
	Initialize(ctx context.Context, pc *PluginContext) error
	Destroy(ctx context.Context) error
}

// PluginContext is the capability surface handed to a plugin during
// Initialize. Registrations made through it are tracked so removal and
// failed initialization unwind them completely.
type PluginContext struct {
	g        *Gateway
	pluginID string

	mu   sync.Mutex
	subs []*Subscription
}

// GatewayID returns the hosting gateway's instance id.
func (pc *PluginContext) GatewayID() string { return pc.g.id }

// SendToSession routes input into a session exactly as a client send would,
// with no originating client. Every subscriber receives the fan-out.
func (pc *PluginContext) SendToSession(ctx context.Context, sessionKey string, input json.RawMessage) (<-chan backend.StreamEvent, error) {
	return pc.g.Send(ctx, sessionKey, input, "")
}

// RespondToConfirmation answers a pending confirmation request on a
// session's confirmation channel.
func (pc *PluginContext) RespondToConfirmation(ctx context.Context, sessionKey, requestID string, approved bool) error {
	bs, canonical, err := pc.g.backendSession(sessionKey)
	if err != nil {
		return err
	}
	data, err := json.Marshal(map[string]any{"requestId": requestID, "approved": approved})
	if err != nil {
		return err
	}
	bs.Channel("confirmations").Publish(backend.StreamEvent{
		Type:      "confirmation",
		SessionID: canonical,
		Data:      data,
	})
	return nil
}

// RegisterMethod claims a method path for the plugin.
func (pc *PluginContext) RegisterMethod(method string, handler MethodHandler) error {
	return pc.g.methods.Register(method, pc.pluginID, handler)
}

// UnregisterMethod releases a method path. No-op when the plugin is not the
// owner.
func (pc *PluginContext) UnregisterMethod(method string) {
	pc.g.methods.Unregister(method, pc.pluginID)
}

// Invoke calls any registered method, built-in or plugin-provided.
func (pc *PluginContext) Invoke(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return pc.g.methods.Invoke(ctx, &MethodCall{Method: method, Params: params})
}

// On registers a bus listener attributed to the plugin.
func (pc *PluginContext) On(event string, fn Listener) *Subscription {
	sub := pc.g.bus.On(event, fn)

	pc.mu.Lock()
	pc.subs = append(pc.subs, sub)
	pc.mu.Unlock()
	return sub
}

// Off removes a bus listener registered through this context.
func (pc *PluginContext) Off(sub *Subscription) {
	pc.g.bus.Off(sub)

	pc.mu.Lock()
	defer pc.mu.Unlock()
	for i, s := range pc.subs {
		if s == sub {
			pc.subs = append(pc.subs[:i:i], pc.subs[i+1:]...)
			return
		}
	}
}

// unwind removes every registration made through this context.
func (pc *PluginContext) unwind() {
	pc.g.methods.UnregisterOwner(pc.pluginID)

	pc.mu.Lock()
	subs := pc.subs
	pc.subs = nil
	pc.mu.Unlock()

	for _, sub := range subs {
		pc.g.bus.Off(sub)
	}
}

type pluginRecord struct {
	plugin Plugin
	pc     *PluginContext

	// initDone closes when Initialize returns, so shutdown never destroys
	// a plugin mid-initialization.
	initDone chan struct{}
}

// Use registers and initializes a plugin. A duplicate id is rejected with no
// side effects. When Initialize fails, every method and listener it
// registered is rolled back and the id is released, so an immediate retry
// can succeed.
func (g *Gateway) Use(ctx context.Context, p Plugin) error {
	id := p.ID()
	if id == "" {
		return fmt.Errorf("plugin id is required")
	}

	rec := &pluginRecord{
		plugin:   p,
		pc:       &PluginContext{g: g, pluginID: id},
		initDone: make(chan struct{}),
	}

	g.pluginMu.Lock()
	if _, exists := g.plugins[id]; exists {
		g.pluginMu.Unlock()
		return Errc(protocol.CodePluginExists, "plugin %q already registered", id)
	}
	g.plugins[id] = rec
	g.pluginOrder = append(g.pluginOrder, id)
	g.pluginMu.Unlock()

	err := p.Initialize(ctx, rec.pc)
	close(rec.initDone)
	if err != nil {
		rec.pc.unwind()

		g.pluginMu.Lock()
		delete(g.plugins, id)
		for i, pid := range g.pluginOrder {
			if pid == id {
				g.pluginOrder = append(g.pluginOrder[:i:i], g.pluginOrder[i+1:]...)
				break
			}
		}
		g.pluginMu.Unlock()
		return fmt.Errorf("initializing plugin %q: %w", id, err)
	}

	g.logger.Info("plugin registered", "plugin", id)
	return nil
}

// Remove unregisters a plugin's methods and listeners and destroys it.
// Unknown ids are a no-op; destroy errors are logged, not propagated.
func (g *Gateway) Remove(ctx context.Context, id string) {
	g.pluginMu.Lock()
	rec, ok := g.plugins[id]
	if !ok {
		g.pluginMu.Unlock()
		return
	}
	delete(g.plugins, id)
	for i, pid := range g.pluginOrder {
		if pid == id {
			g.pluginOrder = append(g.pluginOrder[:i:i], g.pluginOrder[i+1:]...)
			break
		}
	}
	g.pluginMu.Unlock()

	<-rec.initDone
	rec.pc.unwind()
	if err := rec.plugin.Destroy(ctx); err != nil {
		g.logger.Warn("plugin destroy failed", "plugin", id, "error", err)
	}
	g.bus.Emit(BusEvent{Name: EventPluginRemoved, Data: map[string]any{"plugin": id}})
	g.logger.Info("plugin removed", "plugin", id)
}

// Plugins returns the registered plugin ids in registration order.
func (g *Gateway) Plugins() []string {
	g.pluginMu.Lock()
	defer g.pluginMu.Unlock()
	out := make([]string, len(g.pluginOrder))
	copy(out, g.pluginOrder)
	return out
}

// shutdownPlugins destroys every plugin in strict reverse registration
// order, awaiting each Destroy before moving on.
func (g *Gateway) shutdownPlugins(ctx context.Context) {
	g.pluginMu.Lock()
	order := make([]string, len(g.pluginOrder))
	copy(order, g.pluginOrder)
	records := make(map[string]*pluginRecord, len(g.plugins))
	for id, rec := range g.plugins {
		records[id] = rec
	}
	g.plugins = make(map[string]*pluginRecord)
	g.pluginOrder = nil
	g.pluginMu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		rec := records[id]

		<-rec.initDone
		rec.pc.unwind()
		if err := rec.plugin.Destroy(ctx); err != nil {
			g.logger.Warn("plugin destroy failed during shutdown", "plugin", id, "error", err)
		}
	}
}
