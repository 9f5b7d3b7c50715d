// ABOUTME: Session addressing and bookkeeping: canonical keys, lazy creation,
// ABOUTME: subscriber sets, activity state, and message counters.

// Package session tracks the gateway's addressable sessions. A session key
// has the form "appId:name"; a bare name resolves against the configured
// default app. Sessions are created lazily on first send or first subscribe
// and carry the subscriber bookkeeping that backs cross-client broadcast.
package session
