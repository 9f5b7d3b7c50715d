// ABOUTME: SessionManager: serialized mutation of the session map, subscriber
// ABOUTME: sets, activity flags, and message counters.

package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom-gateway/internal/backend"
)

// ErrSessionNotFound indicates an operation on a key with no live session.
var ErrSessionNotFound = errors.New("session not found")

// Session is the bookkeeping record for one addressable session. All fields
// are guarded by the owning Manager's lock; callers observe state through
// Snapshot and the Manager's accessors.
type Session struct {
	Key       string
	AppID     string
	Name      string
	CreatedAt time.Time

	lastActivityAt time.Time
	messageCount   int
	activeRenders  int
	subscribers    map[string]struct{}

	// backendSession is the attached execution session, created on first
	// actual use and detached by Close/Reset.
	backendSession backend.Session

	// renderCancels aborts in-flight renders, keyed by render id.
	renderCancels map[string]context.CancelFunc
}

// Snapshot is a copy of a session's observable state.
type Snapshot struct {
	Key            string
	AppID          string
	Name           string
	CreatedAt      time.Time
	LastActivityAt time.Time
	MessageCount   int
	Active         bool
	Subscribers    []string
}

// Manager owns the session map. Every mutation of shared routing state goes
// through its lock; the lock is never held across backend calls or I/O.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	defaultApp string
	logger     *slog.Logger
}

// NewManager creates a manager resolving bare session names against
// defaultApp. Pass nil logger for the default.
func NewManager(defaultApp string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		defaultApp: defaultApp,
		logger:     logger.With("component", "session-manager"),
	}
}

// Normalize returns the canonical key for any equivalent form of a session
// key. Pure: depends only on the input and the configured default app.
func (m *Manager) Normalize(key string) string {
	appID, name := ParseKey(key)
	if appID == "" {
		appID = m.defaultApp
	}
	return CanonicalKey(appID, name)
}

// Parse splits a key and fills in the default app for bare names.
func (m *Manager) Parse(key string) (appID, name string) {
	appID, name = ParseKey(key)
	if appID == "" {
		appID = m.defaultApp
	}
	return appID, name
}

// GetOrCreate returns the session for key, creating it lazily. The second
// result reports whether this call created it.
func (m *Manager) GetOrCreate(key string) (*Session, bool) {
	canonical := m.Normalize(key)
	appID, name := m.Parse(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[canonical]; ok {
		return s, false
	}

	now := time.Now()
	s := &Session{
		Key:            canonical,
		AppID:          appID,
		Name:           name,
		CreatedAt:      now,
		lastActivityAt: now,
		subscribers:    make(map[string]struct{}),
		renderCancels:  make(map[string]context.CancelFunc),
	}
	m.sessions[canonical] = s
	m.logger.Debug("session created", "session_id", canonical)
	return s, true
}

// Get returns the live session for key, if any.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[m.normalizeLocked(key)]
	return s, ok
}

// normalizeLocked mirrors Normalize for use under the lock.
func (m *Manager) normalizeLocked(key string) string {
	appID, name := ParseKey(key)
	if appID == "" {
		appID = m.defaultApp
	}
	return CanonicalKey(appID, name)
}

// Snapshot returns a copy of the session state for key.
func (m *Manager) Snapshot(key string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[m.normalizeLocked(key)]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshotLocked(), true
}

func (s *Session) snapshotLocked() Snapshot {
	subs := make([]string, 0, len(s.subscribers))
	for id := range s.subscribers {
		subs = append(subs, id)
	}
	sort.Strings(subs)
	return Snapshot{
		Key:            s.Key,
		AppID:          s.AppID,
		Name:           s.Name,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivityAt,
		MessageCount:   s.messageCount,
		Active:         s.activeRenders > 0,
		Subscribers:    subs,
	}
}

// List returns snapshots of all sessions, sorted by key.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshotLocked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Subscribe adds clientID to the session's subscriber set, creating the
// session when absent. A subscription is never silently dropped.
func (m *Manager) Subscribe(key, clientID string) *Session {
	s, _ := m.GetOrCreate(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	s.subscribers[clientID] = struct{}{}
	return s
}

// Unsubscribe removes clientID from the session's subscriber set.
func (m *Manager) Unsubscribe(key, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[m.normalizeLocked(key)]; ok {
		delete(s.subscribers, clientID)
	}
}

// Subscribers returns the subscriber ids of a session, sorted.
func (m *Manager) Subscribers(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[m.normalizeLocked(key)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.subscribers))
	for id := range s.subscribers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RemoveClient prunes clientID from every session's subscriber set. Called
// on client disconnect so no dangling references survive in either
// direction.
func (m *Manager) RemoveClient(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		delete(s.subscribers, clientID)
	}
}

// SetActiveFor brackets one execution on a specific session record: true
// before the render, false after it completes or errors. Concurrent renders
// nest. Pinning to the record rather than the key means a render that
// outlives Close and a recreation of the same key decrements the counter it
// incremented, never the successor session's.
func (m *Manager) SetActiveFor(s *Session, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if active {
		s.activeRenders++
	} else if s.activeRenders > 0 {
		s.activeRenders--
	}
}

// Touch bumps the message count and last-activity timestamp.
func (m *Manager) Touch(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[m.normalizeLocked(key)]; ok {
		s.messageCount++
		s.lastActivityAt = time.Now()
	}
}

// AttachBackend stores the backend session created on first use. Returns
// the session already attached if another call won the race.
func (m *Manager) AttachBackend(key string, bs backend.Session) backend.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[m.normalizeLocked(key)]
	if !ok {
		return bs
	}
	if s.backendSession != nil {
		return s.backendSession
	}
	s.backendSession = bs
	return bs
}

// Backend returns the attached backend session, if any.
func (m *Manager) Backend(key string) backend.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[m.normalizeLocked(key)]; ok {
		return s.backendSession
	}
	return nil
}

// TrackRenderFor registers a cancel func for an in-flight render on a
// specific session record. Close swaps the record's cancel map out, so a
// registration on a stale record cannot disturb a recreated session under
// the same key.
func (m *Manager) TrackRenderFor(s *Session, renderID string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.renderCancels[renderID] = cancel
}

// ReleaseRenderFor drops the cancel registration for a completed render.
func (m *Manager) ReleaseRenderFor(s *Session, renderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(s.renderCancels, renderID)
}

// Close removes the session, cancels in-flight renders, clears subscriber
// bookkeeping, and returns the detached backend session for the caller to
// close outside the lock. The same key may be recreated immediately.
func (m *Manager) Close(key string) (backend.Session, error) {
	m.mu.Lock()

	canonical := m.normalizeLocked(key)
	s, ok := m.sessions[canonical]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}

	cancels := make([]context.CancelFunc, 0, len(s.renderCancels))
	for _, cancel := range s.renderCancels {
		cancels = append(cancels, cancel)
	}
	bs := s.backendSession
	s.backendSession = nil
	s.renderCancels = make(map[string]context.CancelFunc)
	s.subscribers = make(map[string]struct{})
	delete(m.sessions, canonical)
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	m.logger.Debug("session closed", "session_id", canonical)
	return bs, nil
}

// Reset zeroes the message count and detaches the backend session while
// preserving subscribers. Returns the detached backend session, if any.
func (m *Manager) Reset(key string) (backend.Session, error) {
	m.mu.Lock()

	s, ok := m.sessions[m.normalizeLocked(key)]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}

	cancels := make([]context.CancelFunc, 0, len(s.renderCancels))
	for _, cancel := range s.renderCancels {
		cancels = append(cancels, cancel)
	}
	bs := s.backendSession
	s.backendSession = nil
	s.renderCancels = make(map[string]context.CancelFunc)
	s.messageCount = 0
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return bs, nil
}
