// ABOUTME: Telemetry sink collaborator injected at construction.
// ABOUTME: The default sink discards everything.

package gateway

// Telemetry receives operational counters from the gateway. Implementations
// must be safe for concurrent use; calls happen on routing goroutines and
// must not block.
type Telemetry interface {
	MessageRouted(sessionID string)
	EventDelivered(sessionID, eventType string)
	SessionClosed(sessionID string)
	ClientAuthenticated(transportName string)
}

// NopTelemetry is the default sink.
type NopTelemetry struct{}

func (NopTelemetry) MessageRouted(string)          {}
func (NopTelemetry) EventDelivered(string, string) {}
func (NopTelemetry) SessionClosed(string)          {}
func (NopTelemetry) ClientAuthenticated(string)    {}
