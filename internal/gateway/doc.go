// ABOUTME: Package documentation for the gateway orchestrator.
// ABOUTME: Ties transports, sessions, backends, methods, and plugins together.

// Package gateway is the core orchestrator. It owns the session manager, the
// backend registry, the method registry, the event bus, and the plugin
// registry, and implements the transport handler that turns wire messages
// into routed calls.
//
// The gateway never interprets backend event payloads beyond their type and
// terminal flags; it attaches session ids and fans events out to subscribed
// clients across every transport.
package gateway
