// ABOUTME: Wire protocol shared by every transport: message envelopes, error
// ABOUTME: codes, NDJSON line framing, SSE framing, and content previews.

// Package protocol defines the logical message schema exchanged between
// clients and the gateway, independent of how a particular transport frames
// it on the wire. Socket-oriented transports frame messages as
// newline-delimited JSON via LineBuffer; the streaming-HTTP transport frames
// them as SSE records via SSEWriter.
package protocol
