// ABOUTME: Tests for session key normalization, lazy creation, subscriber
// ABOUTME: pruning, activity bracketing, and close/reset semantics.

package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom-gateway/internal/backend"
)

func newTestManager() *Manager {
	return NewManager("chat", nil)
}

func TestNormalize_BareAndPrefixedFormsAgree(t *testing.T) {
	m := newTestManager()

	assert.Equal(t, m.Normalize("main"), m.Normalize("chat:main"))
	assert.Equal(t, "chat:main", m.Normalize("main"))
	assert.Equal(t, "ops:main", m.Normalize("ops:main"))
}

func TestNormalize_IsIdempotent(t *testing.T) {
	m := newTestManager()

	once := m.Normalize("main")
	assert.Equal(t, once, m.Normalize(once))
}

func TestNormalize_NameMayContainColons(t *testing.T) {
	m := newTestManager()

	appID, name := m.Parse("sms:+15551234567:thread:9")
	assert.Equal(t, "sms", appID)
	assert.Equal(t, "+15551234567:thread:9", name)
}

func TestGetOrCreate_LazyAndIdempotent(t *testing.T) {
	m := newTestManager()

	s1, created := m.GetOrCreate("main")
	assert.True(t, created)

	s2, created := m.GetOrCreate("chat:main")
	assert.False(t, created)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, m.Count())
}

func TestSubscribe_CreatesMissingSession(t *testing.T) {
	m := newTestManager()

	m.Subscribe("main", "client-1")

	snap, ok := m.Snapshot("chat:main")
	require.True(t, ok, "subscribing to a nonexistent session must create it")
	assert.Equal(t, []string{"client-1"}, snap.Subscribers)
}

func TestRemoveClient_PrunesEverySubscriberSet(t *testing.T) {
	m := newTestManager()
	m.Subscribe("a", "client-1")
	m.Subscribe("b", "client-1")
	m.Subscribe("b", "client-2")

	m.RemoveClient("client-1")

	assert.Empty(t, m.Subscribers("a"))
	assert.Equal(t, []string{"client-2"}, m.Subscribers("b"))
}

func TestSetActive_BracketsConcurrentRenders(t *testing.T) {
	m := newTestManager()
	s, _ := m.GetOrCreate("main")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.SetActiveFor(s, true)
			m.Touch("main")
			m.SetActiveFor(s, false)
		}()
	}
	wg.Wait()

	snap, ok := m.Snapshot("main")
	require.True(t, ok)
	assert.Equal(t, n, snap.MessageCount)
	assert.False(t, snap.Active, "inactive once all renders complete")
}

func TestClose_RecreatesFreshSession(t *testing.T) {
	m := newTestManager()
	m.GetOrCreate("main")
	m.Touch("main")
	m.Touch("main")
	m.Subscribe("main", "client-1")

	_, err := m.Close("main")
	require.NoError(t, err)

	_, ok := m.Get("main")
	assert.False(t, ok)

	m.GetOrCreate("main")
	m.Touch("main")
	snap, ok := m.Snapshot("main")
	require.True(t, ok)
	assert.Equal(t, 1, snap.MessageCount, "fresh session, not a continuation")
	assert.Empty(t, snap.Subscribers)
}

func TestClose_UnknownKey(t *testing.T) {
	m := newTestManager()
	_, err := m.Close("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestClose_ReturnsDetachedBackendAndCancelsRenders(t *testing.T) {
	m := newTestManager()
	s, _ := m.GetOrCreate("main")

	app := backend.NewEchoApp("chat")
	bs, err := app.Session("main")
	require.NoError(t, err)
	m.AttachBackend("main", bs)

	cancelled := false
	m.TrackRenderFor(s, "r1", func() { cancelled = true })

	detached, err := m.Close("main")
	require.NoError(t, err)
	assert.Equal(t, bs, detached)
	assert.True(t, cancelled)
}

func TestSetActive_StaleRenderDoesNotTouchRecreatedSession(t *testing.T) {
	m := newTestManager()
	stale, _ := m.GetOrCreate("main")
	m.SetActiveFor(stale, true)

	_, err := m.Close("main")
	require.NoError(t, err)

	fresh, created := m.GetOrCreate("main")
	require.True(t, created)
	m.SetActiveFor(fresh, true)

	// The orphaned render completing must not mark the successor inactive.
	m.SetActiveFor(stale, false)
	m.ReleaseRenderFor(stale, "r-old")

	snap, ok := m.Snapshot("main")
	require.True(t, ok)
	assert.True(t, snap.Active, "successor keeps its own render count")

	m.SetActiveFor(fresh, false)
	snap, _ = m.Snapshot("main")
	assert.False(t, snap.Active)
}

func TestReset_PreservesSubscribers(t *testing.T) {
	m := newTestManager()
	m.GetOrCreate("main")
	m.Touch("main")
	m.Subscribe("main", "client-1")

	app := backend.NewEchoApp("chat")
	bs, err := app.Session("main")
	require.NoError(t, err)
	m.AttachBackend("main", bs)

	detached, err := m.Reset("main")
	require.NoError(t, err)
	assert.Equal(t, bs, detached)

	snap, ok := m.Snapshot("main")
	require.True(t, ok)
	assert.Equal(t, 0, snap.MessageCount)
	assert.Equal(t, []string{"client-1"}, snap.Subscribers)
	assert.Nil(t, m.Backend("main"))
}

func TestAttachBackend_FirstWriterWins(t *testing.T) {
	m := newTestManager()
	m.GetOrCreate("main")

	app := backend.NewEchoApp("chat")
	b1, _ := app.Session("one")
	b2, _ := app.Session("two")

	assert.Equal(t, b1, m.AttachBackend("main", b1))
	assert.Equal(t, b1, m.AttachBackend("main", b2), "racing attach returns the winner")
}
