// ABOUTME: Session-index persistence interface and the no-op implementation.
// ABOUTME: The gateway persists session metadata only, never history.

// Package store persists the gateway's session index: which sessions exist,
// their app binding, activity timestamps, and message counts. History and
// event payloads are never stored; that belongs to backends or external
// collaborators.
package store

import (
	"context"
	"time"
)

// SessionRecord is one row of the session index.
type SessionRecord struct {
	Key            string
	AppID          string
	Name           string
	CreatedAt      time.Time
	LastActivityAt time.Time
	MessageCount   int
}

// Store is the session-index persistence surface.
type Store interface {
	UpsertSession(ctx context.Context, rec *SessionRecord) error
	TouchSession(ctx context.Context, key string, at time.Time, messageCount int) error
	DeleteSession(ctx context.Context, key string) error
	ListSessions(ctx context.Context) ([]*SessionRecord, error)
	Close() error
}

// NoopStore satisfies Store without persisting anything. Used when the
// storage toggle is off.
type NoopStore struct{}

// NewNoopStore returns the no-op store.
func NewNoopStore() *NoopStore { return &NoopStore{} }

func (*NoopStore) UpsertSession(context.Context, *SessionRecord) error          { return nil }
func (*NoopStore) TouchSession(context.Context, string, time.Time, int) error   { return nil }
func (*NoopStore) DeleteSession(context.Context, string) error                  { return nil }
func (*NoopStore) ListSessions(context.Context) ([]*SessionRecord, error)       { return nil, nil }
func (*NoopStore) Close() error                                                 { return nil }
