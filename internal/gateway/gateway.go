// ABOUTME: Gateway orchestrator that coordinates transports, sessions, and
// ABOUTME: backends. Owns the method registry, event bus, and plugin registry.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loomhq/loom-gateway/internal/auth"
	"github.com/loomhq/loom-gateway/internal/backend"
	"github.com/loomhq/loom-gateway/internal/protocol"
	"github.com/loomhq/loom-gateway/internal/session"
	"github.com/loomhq/loom-gateway/internal/store"
	"github.com/loomhq/loom-gateway/internal/transport"
)

// Options configure a Gateway.
type Options struct {
	// GatewayID identifies this instance in connected envelopes. Generated
	// when empty.
	GatewayID string

	// Apps is the backend registry. Required.
	Apps *backend.Registry

	// Store persists the session index. Defaults to the no-op store.
	Store store.Store

	// Validator authenticates connect envelopes. Defaults to NoneValidator.
	Validator auth.Validator

	// Telemetry receives operational counters. Defaults to the discard sink.
	Telemetry Telemetry

	Logger *slog.Logger
}

// Gateway routes client connections, sessions, and backend streams.
type Gateway struct {
	id        string
	apps      *backend.Registry
	sessions  *session.Manager
	methods   *MethodRegistry
	bus       *EventBus
	store     store.Store
	validator auth.Validator
	telemetry Telemetry
	logger    *slog.Logger

	mu         sync.Mutex
	transports []transport.Transport

	pluginMu    sync.Mutex
	plugins     map[string]*pluginRecord
	pluginOrder []string
}

// New creates a gateway and registers the built-in methods.
func New(opts Options) (*Gateway, error) {
	if opts.Apps == nil {
		return nil, fmt.Errorf("backend registry is required")
	}
	if opts.GatewayID == "" {
		opts.GatewayID = "gw-" + uuid.NewString()[:8]
	}
	if opts.Store == nil {
		opts.Store = store.NewNoopStore()
	}
	if opts.Validator == nil {
		opts.Validator = auth.NoneValidator{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = NopTelemetry{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	g := &Gateway{
		id:        opts.GatewayID,
		apps:      opts.Apps,
		sessions:  session.NewManager(opts.Apps.DefaultApp(), opts.Logger),
		methods:   NewMethodRegistry(),
		bus:       NewEventBus(opts.Logger),
		store:     opts.Store,
		validator: opts.Validator,
		telemetry: opts.Telemetry,
		logger:    opts.Logger.With("component", "gateway"),
		plugins:   make(map[string]*pluginRecord),
	}
	g.registerBuiltins()
	return g, nil
}

// ID returns the gateway instance id.
func (g *Gateway) ID() string { return g.id }

// Sessions exposes the session manager.
func (g *Gateway) Sessions() *session.Manager { return g.sessions }

// Methods exposes the method registry.
func (g *Gateway) Methods() *MethodRegistry { return g.methods }

// Bus exposes the event bus.
func (g *Gateway) Bus() *EventBus { return g.bus }

// AddTransport attaches a transport and installs the gateway as its handler.
func (g *Gateway) AddTransport(t transport.Transport) {
	t.SetHandler(g)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.transports = append(g.transports, t)
}

// Transports returns the attached transports.
func (g *Gateway) Transports() []transport.Transport {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]transport.Transport, len(g.transports))
	copy(out, g.transports)
	return out
}

// Run starts every transport and blocks until ctx is cancelled, then shuts
// the gateway down.
func (g *Gateway) Run(ctx context.Context) error {
	for _, t := range g.Transports() {
		if err := t.Start(ctx); err != nil {
			return fmt.Errorf("starting %s transport: %w", t.Name(), err)
		}
		g.logger.Info("transport started", "transport", t.Name())
	}

	<-ctx.Done()
	g.logger.Info("shutting down")

	shutdownCtx := context.WithoutCancel(ctx)
	return g.Shutdown(shutdownCtx)
}

// Shutdown destroys plugins in reverse registration order, stops every
// transport, and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownPlugins(ctx)

	var errs []error
	for _, t := range g.Transports() {
		if err := t.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s transport: %w", t.Name(), err))
		}
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

// Send routes input into a session and returns the event stream for the
// caller. Every event is also fanned out to the session's other subscribers
// across all transports; callerClientID is excluded from the fan-out.
// Fan-out and session bookkeeping do not depend on the caller reading the
// returned channel, but undelivered events are held until it does.
func (g *Gateway) Send(ctx context.Context, sessionKey string, input json.RawMessage, callerClientID string) (<-chan backend.StreamEvent, error) {
	appID, name := g.sessions.Parse(sessionKey)
	app, err := g.apps.Resolve(appID)
	if err != nil {
		return nil, Errc(protocol.CodeUnknownApp, "unknown app %q", appID)
	}

	messages, err := backend.ParseInput(input)
	if err != nil {
		return nil, Errc(protocol.CodeInvalidMessage, "invalid input: %v", err)
	}

	sess, created := g.sessions.GetOrCreate(sessionKey)
	canonical := sess.Key

	// Lifecycle event fires before the counter bump so listeners observe the
	// pre-send count.
	g.bus.Emit(BusEvent{
		Name:      EventSessionMessage,
		SessionID: canonical,
		ClientID:  callerClientID,
		Data:      map[string]any{"preview": protocol.Preview(input)},
	})

	bs := g.sessions.Backend(canonical)
	if bs == nil {
		fresh, err := app.Session(name)
		if err != nil {
			return nil, Errc(protocol.CodeBackendError, "opening backend session: %v", err)
		}
		bs = g.sessions.AttachBackend(canonical, fresh)
	}

	// Render bookkeeping is pinned to this session record: if the session is
	// closed and recreated under the same key while the render is in flight,
	// completion must not touch the successor's counters.
	g.sessions.SetActiveFor(sess, true)
	g.sessions.Touch(canonical)
	g.telemetry.MessageRouted(canonical)
	g.persistActivity(ctx, canonical, created)

	renderCtx, cancel := context.WithCancel(ctx)
	renderID := uuid.NewString()
	g.sessions.TrackRenderFor(sess, renderID, cancel)

	finish := func() {
		g.sessions.SetActiveFor(sess, false)
		g.sessions.ReleaseRenderFor(sess, renderID)
		cancel()
	}

	events, err := bs.Render(renderCtx, messages)
	if err != nil {
		finish()
		return nil, Errc(protocol.CodeBackendError, "session %s: render: %v", canonical, err)
	}

	out := make(chan backend.StreamEvent, 16)
	go g.teeStream(canonical, callerClientID, events, out, finish)
	return out, nil
}

// teeStream drains the backend stream, fanning each event out to the
// session's other subscribers and queueing it for the caller. The caller is
// served at its own pace through an unbounded spill queue, so a stalled
// caller never holds up broadcast, and the active flag clears as soon as
// the backend stream terminates, whether or not the caller ever drains.
func (g *Gateway) teeStream(sessionID, callerClientID string, in <-chan backend.StreamEvent, out chan<- backend.StreamEvent, finish func()) {
	spill := newCallerSpill()
	go spill.drain(out)

	defer spill.close()
	defer finish()

	for ev := range in {
		ev.SessionID = sessionID
		g.telemetry.EventDelivered(sessionID, ev.Type)
		g.fanOut(sessionID, ev, callerClientID)
		spill.push(ev)
		if ev.Done || ev.Err != "" {
			return
		}
	}
}

// fanOut pushes one stream event to every subscribed client except the
// excluded ids.
func (g *Gateway) fanOut(sessionID string, ev backend.StreamEvent, exclude ...string) {
	data, err := json.Marshal(ev)
	if err != nil {
		g.logger.Error("encoding stream event", "session_id", sessionID, "error", err)
		return
	}
	frame := protocol.NewEventMessage(ev.Type, sessionID, data)
	for _, t := range g.Transports() {
		t.SendToSubscribers(sessionID, frame, exclude...)
	}
}

// emitSessionEvent pushes a gateway lifecycle event frame to the session's
// subscribers on every transport.
func (g *Gateway) emitSessionEvent(sessionID, event string, data json.RawMessage, exclude ...string) {
	frame := protocol.NewEventMessage(event, sessionID, data)
	for _, t := range g.Transports() {
		t.SendToSubscribers(sessionID, frame, exclude...)
	}
}

func (g *Gateway) persistActivity(ctx context.Context, canonical string, created bool) {
	snap, ok := g.sessions.Snapshot(canonical)
	if !ok {
		return
	}
	var err error
	if created {
		err = g.store.UpsertSession(ctx, &store.SessionRecord{
			Key:            snap.Key,
			AppID:          snap.AppID,
			Name:           snap.Name,
			CreatedAt:      snap.CreatedAt,
			LastActivityAt: snap.LastActivityAt,
			MessageCount:   snap.MessageCount,
		})
	} else {
		err = g.store.TouchSession(ctx, snap.Key, snap.LastActivityAt, snap.MessageCount)
	}
	if err != nil {
		g.logger.Warn("persisting session index", "session_id", canonical, "error", err)
	}
}

// CloseSession interrupts any active render, notifies subscribers, closes
// the backend session, and removes the session. The same key recreates
// fresh afterward.
func (g *Gateway) CloseSession(ctx context.Context, sessionKey string) error {
	canonical := g.sessions.Normalize(sessionKey)

	// Notify before teardown so subscribers still hold the subscription.
	g.emitSessionEvent(canonical, EventSessionClosed, nil)
	g.pruneClientSubscriptions(canonical)

	bs, err := g.sessions.Close(canonical)
	if err != nil {
		return Errc(protocol.CodeBackendError, "close: %v", err)
	}
	if bs != nil {
		if err := bs.Close(); err != nil {
			g.logger.Warn("closing backend session", "session_id", canonical, "error", err)
		}
	}

	g.telemetry.SessionClosed(canonical)
	g.bus.Emit(BusEvent{Name: EventSessionClosed, SessionID: canonical})
	if err := g.store.DeleteSession(ctx, canonical); err != nil {
		g.logger.Warn("deleting session index row", "session_id", canonical, "error", err)
	}
	return nil
}

// ResetSession zeroes the session's message count and detaches its backend
// session while keeping subscribers attached.
func (g *Gateway) ResetSession(ctx context.Context, sessionKey string) error {
	canonical := g.sessions.Normalize(sessionKey)

	bs, err := g.sessions.Reset(canonical)
	if err != nil {
		return Errc(protocol.CodeBackendError, "reset: %v", err)
	}
	if bs != nil {
		if err := bs.Close(); err != nil {
			g.logger.Warn("closing backend session", "session_id", canonical, "error", err)
		}
	}

	g.emitSessionEvent(canonical, EventSessionReset, nil)
	g.bus.Emit(BusEvent{Name: EventSessionReset, SessionID: canonical})

	if snap, ok := g.sessions.Snapshot(canonical); ok {
		if err := g.store.TouchSession(ctx, canonical, snap.LastActivityAt, 0); err != nil {
			g.logger.Warn("persisting session index", "session_id", canonical, "error", err)
		}
	}
	return nil
}

// Subscribe attaches a client to a session's event fan-out, creating the
// session when absent. Both sides of the subscription are recorded so
// disconnect and close prune each other.
func (g *Gateway) Subscribe(sessionKey string, c transport.Client) string {
	sess := g.sessions.Subscribe(sessionKey, c.ID())
	c.Subscribe(sess.Key)
	return sess.Key
}

// Unsubscribe detaches a client from a session's fan-out.
func (g *Gateway) Unsubscribe(sessionKey string, c transport.Client) {
	canonical := g.sessions.Normalize(sessionKey)
	g.sessions.Unsubscribe(canonical, c.ID())
	c.Unsubscribe(canonical)
}

// pruneClientSubscriptions drops the client-side subscription records for a
// session across every transport.
func (g *Gateway) pruneClientSubscriptions(sessionID string) {
	for _, t := range g.Transports() {
		for _, c := range t.Clients() {
			if c.Subscribed(sessionID) {
				c.Unsubscribe(sessionID)
			}
		}
	}
}

// backendSession returns the session's attached backend session, creating
// and attaching one when absent.
func (g *Gateway) backendSession(sessionKey string) (backend.Session, string, error) {
	appID, name := g.sessions.Parse(sessionKey)
	app, err := g.apps.Resolve(appID)
	if err != nil {
		return nil, "", Errc(protocol.CodeUnknownApp, "unknown app %q", appID)
	}

	sess, _ := g.sessions.GetOrCreate(sessionKey)
	bs := g.sessions.Backend(sess.Key)
	if bs == nil {
		fresh, err := app.Session(name)
		if err != nil {
			return nil, "", Errc(protocol.CodeBackendError, "opening backend session: %v", err)
		}
		bs = g.sessions.AttachBackend(sess.Key, fresh)
	}
	return bs, sess.Key, nil
}
