// ABOUTME: Tests for gateway routing: send tee, fan-out, close, and reset.
// ABOUTME: Runs against the echo backend over the in-process transport.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom-gateway/internal/backend"
	"github.com/loomhq/loom-gateway/internal/protocol"
	"github.com/loomhq/loom-gateway/internal/transport"
)

func newTestGateway(t *testing.T) (*Gateway, *transport.InprocTransport) {
	t.Helper()

	apps := backend.NewRegistry("")
	require.NoError(t, apps.Register(backend.NewEchoApp("echo")))

	g, err := New(Options{GatewayID: "gw-test", Apps: apps})
	require.NoError(t, err)

	tr := transport.NewInprocTransport(nil)
	g.AddTransport(tr)
	return g, tr
}

func drainStream(t *testing.T, ch <-chan backend.StreamEvent) []backend.StreamEvent {
	t.Helper()

	var events []backend.StreamEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out draining stream")
		}
	}
}

func mustClient(t *testing.T, tr *transport.InprocTransport, id string) transport.Client {
	t.Helper()
	c, ok := tr.Client(id)
	require.True(t, ok)
	return c
}

// receive pulls the next message from an in-process connection.
func receive(t *testing.T, conn *transport.InprocConn) *protocol.Message {
	t.Helper()

	select {
	case msg := <-conn.Receive():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestSendStreamsEchoEvents(t *testing.T) {
	g, _ := newTestGateway(t)

	ch, err := g.Send(context.Background(), "greeting", json.RawMessage(`"hello"`), "")
	require.NoError(t, err)

	events := drainStream(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, backend.EventText, events[0].Type)
	assert.Equal(t, "echo:greeting", events[0].SessionID)
	assert.JSONEq(t, `{"text":"hello"}`, string(events[0].Data))
	assert.Equal(t, backend.EventDone, events[1].Type)
	assert.True(t, events[1].Done)

	snap, ok := g.Sessions().Snapshot("greeting")
	require.True(t, ok)
	assert.Equal(t, 1, snap.MessageCount)
	assert.False(t, snap.Active)
}

func TestSendUnknownAppHasNoSideEffects(t *testing.T) {
	g, _ := newTestGateway(t)

	_, err := g.Send(context.Background(), "ghost:session", json.RawMessage(`"hi"`), "")
	require.Error(t, err)

	var coded *CodedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, protocol.CodeUnknownApp, coded.Code)
	assert.Equal(t, 0, g.Sessions().Count())
}

func TestSendInvalidInputHasNoSideEffects(t *testing.T) {
	g, _ := newTestGateway(t)

	_, err := g.Send(context.Background(), "greeting", json.RawMessage(`42`), "")
	require.Error(t, err)

	var coded *CodedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, protocol.CodeInvalidMessage, coded.Code)
	assert.Equal(t, 0, g.Sessions().Count())
}

func TestSendEmitsLifecycleEventBeforeCounter(t *testing.T) {
	g, _ := newTestGateway(t)

	var preview string
	var countAtEmit int
	g.Bus().On(EventSessionMessage, func(ev BusEvent) {
		preview, _ = ev.Data["preview"].(string)
		if snap, ok := g.Sessions().Snapshot(ev.SessionID); ok {
			countAtEmit = snap.MessageCount
		}
	})

	ch, err := g.Send(context.Background(), "greeting", json.RawMessage(`"hello there"`), "client-1")
	require.NoError(t, err)
	drainStream(t, ch)

	assert.Equal(t, "hello there", preview)
	assert.Equal(t, 0, countAtEmit)
}

func TestSendFansOutToOtherSubscribers(t *testing.T) {
	g, tr := newTestGateway(t)

	sender := tr.Connect("sender")
	watcher := tr.Connect("watcher")
	sender.Deliver(&protocol.Message{Type: protocol.TypeConnect})
	watcher.Deliver(&protocol.Message{Type: protocol.TypeConnect})
	receive(t, sender) // connected
	receive(t, watcher)

	g.Subscribe("greeting", mustClient(t, tr, "sender"))
	g.Subscribe("greeting", mustClient(t, tr, "watcher"))

	ch, err := g.Send(context.Background(), "greeting", json.RawMessage(`"hi"`), "sender")
	require.NoError(t, err)
	drainStream(t, ch)

	// The watcher sees the fan-out; the sender only has its own stream.
	first := receive(t, watcher)
	assert.Equal(t, protocol.TypeEvent, first.Type)
	assert.Equal(t, backend.EventText, first.Event)
	assert.Equal(t, "echo:greeting", first.SessionID)

	second := receive(t, watcher)
	assert.Equal(t, backend.EventDone, second.Event)

	select {
	case msg := <-sender.Receive():
		t.Fatalf("sender should not receive fan-out, got %s", msg.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendStalledCallerDoesNotBlockFanOut(t *testing.T) {
	g, tr := newTestGateway(t)

	watcher := tr.Connect("watcher")
	watcher.Deliver(&protocol.Message{Type: protocol.TypeConnect})
	receive(t, watcher)
	g.Subscribe("torrent", mustClient(t, tr, "watcher"))

	// Enough text blocks to far exceed the caller channel's buffer.
	parts := make([]string, 40)
	for i := range parts {
		parts[i] = fmt.Sprintf("part-%d", i)
	}
	input, err := json.Marshal(parts)
	require.NoError(t, err)

	// The caller does not read its stream.
	ch, err := g.Send(context.Background(), "torrent", json.RawMessage(input), "sender")
	require.NoError(t, err)

	// The watcher still receives every event.
	for i := range parts {
		msg := receive(t, watcher)
		assert.Equal(t, backend.EventText, msg.Event, "event %d", i)
	}
	last := receive(t, watcher)
	assert.Equal(t, backend.EventDone, last.Event)

	// The render completes and the session goes inactive regardless of the
	// stalled caller.
	require.Eventually(t, func() bool {
		snap, ok := g.Sessions().Snapshot("torrent")
		return ok && !snap.Active
	}, 2*time.Second, 10*time.Millisecond)

	// When the caller finally reads, nothing was lost or reordered.
	events := drainStream(t, ch)
	require.Len(t, events, len(parts)+1)
	for i := range parts {
		assert.JSONEq(t, fmt.Sprintf(`{"text":"part-%d"}`, i), string(events[i].Data))
	}
	assert.True(t, events[len(events)-1].Done)
}

func TestConcurrentSessionsKeepEventsApart(t *testing.T) {
	g, _ := newTestGateway(t)

	const rounds = 10
	var wg sync.WaitGroup
	for _, name := range []string{"a", "b"} {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := "echo:" + name
			for i := 0; i < rounds; i++ {
				ch, err := g.Send(context.Background(), name, json.RawMessage(`"ping"`), "")
				if !assert.NoError(t, err) {
					return
				}
				for ev := range ch {
					assert.Equal(t, want, ev.SessionID)
				}
			}
		}()
	}
	wg.Wait()
}

func TestUnsubscribedClientReceivesNoFurtherEvents(t *testing.T) {
	g, tr := newTestGateway(t)

	watcher := tr.Connect("watcher")
	watcher.Deliver(&protocol.Message{Type: protocol.TypeConnect})
	receive(t, watcher)

	g.Subscribe("greeting", mustClient(t, tr, "watcher"))

	ch, err := g.Send(context.Background(), "greeting", json.RawMessage(`"hi"`), "sender")
	require.NoError(t, err)
	drainStream(t, ch)
	receive(t, watcher) // text
	receive(t, watcher) // done

	g.Unsubscribe("greeting", mustClient(t, tr, "watcher"))

	ch, err = g.Send(context.Background(), "greeting", json.RawMessage(`"again"`), "sender")
	require.NoError(t, err)
	drainStream(t, ch)

	select {
	case msg := <-watcher.Receive():
		t.Fatalf("unsubscribed watcher received %s", msg.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConcurrentSendsShareActiveFlag(t *testing.T) {
	g, _ := newTestGateway(t)

	const n = 5
	streams := make([]<-chan backend.StreamEvent, 0, n)
	for i := 0; i < n; i++ {
		ch, err := g.Send(context.Background(), "busy", json.RawMessage(`"x"`), "")
		require.NoError(t, err)
		streams = append(streams, ch)
	}
	for _, ch := range streams {
		drainStream(t, ch)
	}

	snap, ok := g.Sessions().Snapshot("busy")
	require.True(t, ok)
	assert.Equal(t, n, snap.MessageCount)
	assert.False(t, snap.Active)
}

func TestCloseSessionRecreatesFresh(t *testing.T) {
	g, _ := newTestGateway(t)

	ch, err := g.Send(context.Background(), "doomed", json.RawMessage(`"hi"`), "")
	require.NoError(t, err)
	drainStream(t, ch)

	var closed []string
	g.Bus().On(EventSessionClosed, func(ev BusEvent) { closed = append(closed, ev.SessionID) })

	require.NoError(t, g.CloseSession(context.Background(), "doomed"))
	assert.Equal(t, []string{"echo:doomed"}, closed)
	assert.Equal(t, 0, g.Sessions().Count())

	// The same key starts over with a zeroed counter.
	ch, err = g.Send(context.Background(), "doomed", json.RawMessage(`"again"`), "")
	require.NoError(t, err)
	drainStream(t, ch)

	snap, ok := g.Sessions().Snapshot("doomed")
	require.True(t, ok)
	assert.Equal(t, 1, snap.MessageCount)
}

func TestCloseSessionUnknownKey(t *testing.T) {
	g, _ := newTestGateway(t)
	assert.Error(t, g.CloseSession(context.Background(), "never-created"))
}

func TestResetSessionKeepsSubscribers(t *testing.T) {
	g, tr := newTestGateway(t)

	watcher := tr.Connect("watcher")
	watcher.Deliver(&protocol.Message{Type: protocol.TypeConnect})
	receive(t, watcher)

	g.Subscribe("persistent", mustClient(t, tr, "watcher"))

	ch, err := g.Send(context.Background(), "persistent", json.RawMessage(`"hi"`), "")
	require.NoError(t, err)
	drainStream(t, ch)

	// Drain the watcher's fan-out from the send.
	receive(t, watcher)
	receive(t, watcher)

	require.NoError(t, g.ResetSession(context.Background(), "persistent"))

	notice := receive(t, watcher)
	assert.Equal(t, EventSessionReset, notice.Event)

	snap, ok := g.Sessions().Snapshot("persistent")
	require.True(t, ok)
	assert.Equal(t, 0, snap.MessageCount)
	assert.Equal(t, []string{"watcher"}, snap.Subscribers)
}

func TestSubscribeNormalizesKey(t *testing.T) {
	g, tr := newTestGateway(t)

	watcher := tr.Connect("watcher")
	watcher.Deliver(&protocol.Message{Type: protocol.TypeConnect})
	receive(t, watcher)

	canonical := g.Subscribe("plain", mustClient(t, tr, "watcher"))
	assert.Equal(t, "echo:plain", canonical)

	c, ok := tr.Client("watcher")
	require.True(t, ok)
	assert.True(t, c.Subscribed("echo:plain"))
}

func TestDisconnectPrunesSubscriptions(t *testing.T) {
	g, tr := newTestGateway(t)

	watcher := tr.Connect("watcher")
	watcher.Deliver(&protocol.Message{Type: protocol.TypeConnect})
	receive(t, watcher)

	g.Subscribe("greeting", mustClient(t, tr, "watcher"))
	require.Equal(t, []string{"watcher"}, g.Sessions().Subscribers("greeting"))

	require.NoError(t, watcher.Close())
	assert.Empty(t, g.Sessions().Subscribers("greeting"))
}
