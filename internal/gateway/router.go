// ABOUTME: Transport handler: connect/auth, ping, and request dispatch.
// ABOUTME: Every client message enters the gateway through this surface.

package gateway

import (
	"context"

	"github.com/loomhq/loom-gateway/internal/protocol"
	"github.com/loomhq/loom-gateway/internal/transport"
)

// HandleConnection observes a new transport-level connection. Nothing is
// routable until the client authenticates via connect.
func (g *Gateway) HandleConnection(c transport.Client) {
	g.logger.Debug("client connected", "client_id", c.ID(), "transport", c.Transport())
}

// HandleDisconnect prunes the client from every subscriber set.
func (g *Gateway) HandleDisconnect(c transport.Client) {
	g.sessions.RemoveClient(c.ID())
	if c.Authenticated() {
		g.bus.Emit(BusEvent{Name: EventClientDisconnected, ClientID: c.ID()})
	}
	g.logger.Debug("client disconnected", "client_id", c.ID(), "transport", c.Transport())
}

// HandleError observes transport-level errors for a client.
func (g *Gateway) HandleError(c transport.Client, err error) {
	g.logger.Warn("transport error", "client_id", c.ID(), "transport", c.Transport(), "error", err)
}

// HandleMessage routes one inbound envelope. Malformed or rejected messages
// produce error replies; the connection itself is never terminated here.
func (g *Gateway) HandleMessage(c transport.Client, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeConnect:
		g.handleConnect(c, msg)
	case protocol.TypePing:
		// Answered regardless of auth state.
		c.Send(protocol.NewPong(msg.Timestamp))
	case protocol.TypeReq:
		g.handleRequest(c, msg)
	default:
		reply := protocol.NewErrorMessage(protocol.CodeInvalidMessage, "unsupported message type "+string(msg.Type))
		reply.ID = msg.ID
		c.Send(reply)
	}
}

func (g *Gateway) handleConnect(c transport.Client, msg *protocol.Message) {
	user, err := g.validator.Validate(context.Background(), msg.ClientID, msg.Token)
	if err != nil {
		g.logger.Warn("auth failed", "client_id", c.ID(), "error", err)
		c.Send(protocol.NewErrorMessage(protocol.CodeAuthFailed, "authentication failed"))
		return
	}

	c.SetAuthenticated(user)
	c.Send(g.connectedEnvelope())
	g.telemetry.ClientAuthenticated(c.Transport())
	g.bus.Emit(BusEvent{Name: EventClientConnected, ClientID: c.ID()})
	g.logger.Info("client authenticated", "client_id", c.ID(), "transport", c.Transport(), "user", user.ID)
}

// connectedEnvelope snapshots the app list and session index for a freshly
// authenticated client.
func (g *Gateway) connectedEnvelope() *protocol.Message {
	defaultApp := g.apps.DefaultApp()
	apps := make([]protocol.AppSummary, 0)
	for _, info := range g.apps.List() {
		apps = append(apps, protocol.AppSummary{
			ID:      info.ID,
			Name:    info.Name,
			Default: info.ID == defaultApp,
		})
	}

	sessions := make([]protocol.SessionSummary, 0)
	for _, snap := range g.sessions.List() {
		sessions = append(sessions, protocol.SessionSummary{
			ID:           snap.Key,
			AppID:        snap.AppID,
			MessageCount: snap.MessageCount,
			Active:       snap.Active,
		})
	}

	return &protocol.Message{
		Type:      protocol.TypeConnected,
		GatewayID: g.id,
		Apps:      apps,
		Sessions:  sessions,
	}
}

func (g *Gateway) handleRequest(c transport.Client, msg *protocol.Message) {
	if !c.Authenticated() {
		reply := protocol.NewErrorMessage(protocol.CodeUnauthorized, "connect before sending requests")
		reply.ID = msg.ID
		c.Send(reply)
		return
	}
	if msg.Method == "" {
		c.Send(protocol.NewResultError(msg.ID, protocol.CodeInvalidMessage, "req requires a method"))
		return
	}

	handler, ok := g.methods.Lookup(msg.Method)
	if !ok {
		c.Send(protocol.NewResultError(msg.ID, protocol.CodeUnknownMethod, "unknown method "+msg.Method))
		return
	}

	// Requests run off the read loop so a streaming method cannot stall the
	// connection.
	go func() {
		call := &MethodCall{
			Method:   msg.Method,
			Params:   msg.Params,
			ClientID: c.ID(),
			Caller:   c,
		}
		payload, err := handler(context.Background(), call)
		if err != nil {
			we := wireErrorFor(err)
			c.Send(protocol.NewResultError(msg.ID, we.Code, we.Message))
			return
		}
		c.Send(protocol.NewResult(msg.ID, payload))
	}()
}
