// ABOUTME: Tests for the send pump and overflow buffer: ordering under
// ABOUTME: saturation, pressure reporting, and close semantics.

package transport

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom-gateway/internal/protocol"
)

func pumpDrain(t *testing.T, p *sendPump, n int) []*protocol.Message {
	t.Helper()
	out := make([]*protocol.Message, 0, n)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(out) < n {
			msg, ok := p.next()
			if !ok {
				return
			}
			out = append(out, msg)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out draining pump, got %d of %d", len(out), n)
	}
	return out
}

func TestSendPump_PreservesOrderUnderSaturation(t *testing.T) {
	p := newSendPump()
	defer p.close()

	total := sendChannelSize * 3
	for i := 0; i < total; i++ {
		p.Send(protocol.NewPong(int64(i)))
	}
	assert.True(t, p.IsPressured(), "overflow should be in use")

	msgs := pumpDrain(t, p, total)
	require.Len(t, msgs, total)
	for i, msg := range msgs {
		assert.Equal(t, int64(i), msg.Timestamp, "message %d out of order", i)
	}
	assert.False(t, p.IsPressured())
}

func TestSendPump_NotPressuredBelowCapacity(t *testing.T) {
	p := newSendPump()
	defer p.close()

	for i := 0; i < sendChannelSize/2; i++ {
		p.Send(protocol.NewPong(int64(i)))
	}
	assert.False(t, p.IsPressured())
}

func TestSendPump_SendAfterCloseDrops(t *testing.T) {
	p := newSendPump()
	p.close()

	// Must not panic or block.
	p.Send(protocol.NewPong(1))
	_, ok := p.next()
	assert.False(t, ok)
}

func TestSendPump_CloseDiscardsOverflow(t *testing.T) {
	p := newSendPump()
	for i := 0; i < sendChannelSize+10; i++ {
		p.Send(protocol.NewPong(int64(i)))
	}
	require.Greater(t, p.overflow.Len(), 0)

	p.close()
	assert.Equal(t, 0, p.overflow.Len())
}

func TestPressureBuffer_FIFO(t *testing.T) {
	var b pressureBuffer
	for i := 0; i < 5; i++ {
		b.Push(protocol.NewPong(int64(i)))
	}
	assert.Equal(t, 5, b.Len())

	for i := 0; i < 5; i++ {
		msg := b.Pop()
		require.NotNil(t, msg, fmt.Sprintf("pop %d", i))
		assert.Equal(t, int64(i), msg.Timestamp)
	}
	assert.Nil(t, b.Pop())
}
