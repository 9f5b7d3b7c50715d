// ABOUTME: Transport abstraction: one uniform contract over TCP, Unix socket,
// ABOUTME: streaming-HTTP (SSE), WebSocket, and in-process media.

// Package transport presents every physical medium through one Transport
// and Client contract so the gateway's routing logic stays medium-agnostic.
// Socket-oriented transports frame messages as newline-delimited JSON; the
// streaming-HTTP transport uses SSE records with heartbeats; the WebSocket
// transport uses one JSON document per text frame; the in-process transport
// has no network boundary at all.
//
// Each client owns a bounded send channel drained by a writer pump. When
// the channel saturates the client reports pressure and further sends land
// in a per-client overflow buffer that the pump drains as pressure clears,
// so one slow client never stalls delivery to others.
package transport
