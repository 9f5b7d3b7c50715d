// ABOUTME: Built-in gateway methods: introspection and session operations.
// ABOUTME: All registered under the gateway owner at construction time.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomhq/loom-gateway/internal/protocol"
)

func (g *Gateway) registerBuiltins() {
	builtins := map[string]MethodHandler{
		"gateway:ping":         g.methodPing,
		"gateway:describe":     g.methodDescribe,
		"sessions:list":        g.methodSessionsList,
		"sessions:send":        g.methodSessionsSend,
		"sessions:subscribe":   g.methodSessionsSubscribe,
		"sessions:unsubscribe": g.methodSessionsUnsubscribe,
		"sessions:close":       g.methodSessionsClose,
		"sessions:reset":       g.methodSessionsReset,
		"sessions:dispatch":    g.methodSessionsDispatch,
		"sessions:interrupt":   g.methodSessionsInterrupt,
	}
	for method, handler := range builtins {
		if err := g.methods.Register(method, GatewayOwner, handler); err != nil {
			// Registration happens once on a fresh registry.
			panic(fmt.Sprintf("registering builtin %s: %v", method, err))
		}
	}
}

// sessionParams is the common parameter shape for session-scoped methods.
type sessionParams struct {
	Session string `json:"session"`
}

func decodeParams[T any](raw json.RawMessage) (T, error) {
	var params T
	if len(raw) == 0 {
		return params, Errc(protocol.CodeInvalidMessage, "params are required")
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, Errc(protocol.CodeInvalidMessage, "invalid params: %v", err)
	}
	return params, nil
}

func sessionParam(raw json.RawMessage) (string, error) {
	params, err := decodeParams[sessionParams](raw)
	if err != nil {
		return "", err
	}
	if params.Session == "" {
		return "", Errc(protocol.CodeInvalidMessage, "session is required")
	}
	return params.Session, nil
}

func (g *Gateway) methodPing(_ context.Context, _ *MethodCall) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"pong": true, "timestamp": time.Now().UnixMilli()})
}

func (g *Gateway) methodDescribe(_ context.Context, _ *MethodCall) (json.RawMessage, error) {
	transports := make([]string, 0)
	for _, t := range g.Transports() {
		transports = append(transports, t.Name())
	}
	return json.Marshal(map[string]any{
		"gatewayId":  g.id,
		"apps":       g.apps.List(),
		"methods":    g.methods.List(),
		"transports": transports,
		"sessions":   g.sessions.Count(),
		"plugins":    g.Plugins(),
	})
}

func (g *Gateway) methodSessionsList(_ context.Context, _ *MethodCall) (json.RawMessage, error) {
	snaps := g.sessions.List()
	out := make([]map[string]any, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, map[string]any{
			"id":             s.Key,
			"appId":          s.AppID,
			"name":           s.Name,
			"createdAt":      s.CreatedAt.UnixMilli(),
			"lastActivityAt": s.LastActivityAt.UnixMilli(),
			"messageCount":   s.MessageCount,
			"active":         s.Active,
			"subscribers":    s.Subscribers,
		})
	}
	return json.Marshal(map[string]any{"sessions": out})
}

// methodSessionsSend routes input into a session and streams the resulting
// events back to the caller as event frames before the terminal res.
func (g *Gateway) methodSessionsSend(ctx context.Context, call *MethodCall) (json.RawMessage, error) {
	params, err := decodeParams[struct {
		Session string          `json:"session"`
		Input   json.RawMessage `json:"input"`
	}](call.Params)
	if err != nil {
		return nil, err
	}
	if params.Session == "" {
		return nil, Errc(protocol.CodeInvalidMessage, "session is required")
	}

	events, err := g.Send(ctx, params.Session, params.Input, call.ClientID)
	if err != nil {
		return nil, err
	}
	canonical := g.sessions.Normalize(params.Session)

	var count int
	var terminalErr string
	for ev := range events {
		count++
		if call.Caller != nil {
			data, err := json.Marshal(ev)
			if err != nil {
				g.logger.Error("encoding stream event", "session_id", canonical, "error", err)
				continue
			}
			call.Caller.Send(protocol.NewEventMessage(ev.Type, canonical, data))
		}
		if ev.Err != "" {
			terminalErr = ev.Err
		}
	}

	if terminalErr != "" {
		return nil, Errc(protocol.CodeBackendError, "session %s: %s", canonical, terminalErr)
	}
	return json.Marshal(map[string]any{"sessionId": canonical, "events": count})
}

func (g *Gateway) methodSessionsSubscribe(_ context.Context, call *MethodCall) (json.RawMessage, error) {
	key, err := sessionParam(call.Params)
	if err != nil {
		return nil, err
	}
	if call.Caller == nil {
		return nil, Errc(protocol.CodeInvalidMessage, "sessions:subscribe requires a connected client")
	}
	canonical := g.Subscribe(key, call.Caller)
	return json.Marshal(map[string]any{"sessionId": canonical, "subscribed": true})
}

func (g *Gateway) methodSessionsUnsubscribe(_ context.Context, call *MethodCall) (json.RawMessage, error) {
	key, err := sessionParam(call.Params)
	if err != nil {
		return nil, err
	}
	if call.Caller == nil {
		return nil, Errc(protocol.CodeInvalidMessage, "sessions:unsubscribe requires a connected client")
	}
	g.Unsubscribe(key, call.Caller)
	canonical := g.sessions.Normalize(key)
	return json.Marshal(map[string]any{"sessionId": canonical, "subscribed": false})
}

func (g *Gateway) methodSessionsClose(ctx context.Context, call *MethodCall) (json.RawMessage, error) {
	key, err := sessionParam(call.Params)
	if err != nil {
		return nil, err
	}
	canonical := g.sessions.Normalize(key)
	if err := g.CloseSession(ctx, key); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"sessionId": canonical, "closed": true})
}

func (g *Gateway) methodSessionsReset(ctx context.Context, call *MethodCall) (json.RawMessage, error) {
	key, err := sessionParam(call.Params)
	if err != nil {
		return nil, err
	}
	canonical := g.sessions.Normalize(key)
	if err := g.ResetSession(ctx, key); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"sessionId": canonical, "reset": true})
}

func (g *Gateway) methodSessionsDispatch(ctx context.Context, call *MethodCall) (json.RawMessage, error) {
	params, err := decodeParams[struct {
		Session string          `json:"session"`
		Tool    string          `json:"tool"`
		Input   json.RawMessage `json:"input"`
	}](call.Params)
	if err != nil {
		return nil, err
	}
	if params.Session == "" || params.Tool == "" {
		return nil, Errc(protocol.CodeInvalidMessage, "session and tool are required")
	}

	bs, canonical, err := g.backendSession(params.Session)
	if err != nil {
		return nil, err
	}
	blocks, err := bs.Dispatch(ctx, params.Tool, params.Input)
	if err != nil {
		return nil, Errc(protocol.CodeBackendError, "dispatch %s: %v", params.Tool, err)
	}
	return json.Marshal(map[string]any{"sessionId": canonical, "content": blocks})
}

// methodSessionsInterrupt passes signal and reason through to the backend
// verbatim.
func (g *Gateway) methodSessionsInterrupt(ctx context.Context, call *MethodCall) (json.RawMessage, error) {
	params, err := decodeParams[struct {
		Session string `json:"session"`
		Signal  string `json:"signal"`
		Reason  string `json:"reason"`
	}](call.Params)
	if err != nil {
		return nil, err
	}
	if params.Session == "" {
		return nil, Errc(protocol.CodeInvalidMessage, "session is required")
	}

	canonical := g.sessions.Normalize(params.Session)
	bs := g.sessions.Backend(canonical)
	if bs == nil {
		return nil, Errc(protocol.CodeBackendError, "session %s has no running backend", canonical)
	}
	if err := bs.Interrupt(ctx, params.Signal, params.Reason); err != nil {
		return nil, Errc(protocol.CodeBackendError, "interrupt: %v", err)
	}
	return json.Marshal(map[string]any{"sessionId": canonical, "interrupted": true})
}
