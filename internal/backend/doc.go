// ABOUTME: Execution-backend collaborator interface consumed by the gateway.
// ABOUTME: Apps produce Sessions; Sessions render input into event streams.

// Package backend defines the narrow execution interface the gateway routes
// to. The gateway never inspects how a backend composes its behavior; it
// renders input, consumes the resulting event stream, closes and interrupts
// sessions, dispatches tools, and publishes/subscribes on named channels.
// StreamEvent payloads are opaque beyond their type discriminator.
package backend
