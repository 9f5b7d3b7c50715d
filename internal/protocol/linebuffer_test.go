// ABOUTME: Tests for NDJSON line framing across partial and coalesced reads.
// ABOUTME: Covers ordering, bad-line isolation, and buffered-state integrity.

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineBuffer_CoalescedRead(t *testing.T) {
	var lb LineBuffer

	results := lb.Feed([]byte(`{"type":"ping","timestamp":1}` + "\n" + `{"type":"ping","timestamp":2}` + "\n"))
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
	assert.Equal(t, int64(1), results[0].Message.Timestamp)
	assert.Equal(t, int64(2), results[1].Message.Timestamp)
	assert.Equal(t, 0, lb.Pending())
}

func TestLineBuffer_ByteByByte(t *testing.T) {
	var lb LineBuffer
	payload := `{"type":"ping","timestamp":1}` + "\n" + `{"type":"ping","timestamp":2}` + "\n"

	var results []DecodeResult
	for i := 0; i < len(payload); i++ {
		results = append(results, lb.Feed([]byte{payload[i]})...)
	}

	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].Message.Timestamp)
	assert.Equal(t, int64(2), results[1].Message.Timestamp)
}

func TestLineBuffer_PartialLineStaysBuffered(t *testing.T) {
	var lb LineBuffer

	results := lb.Feed([]byte(`{"type":"pi`))
	assert.Empty(t, results)
	assert.Greater(t, lb.Pending(), 0)

	results = lb.Feed([]byte(`ng","timestamp":7}` + "\n"))
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, TypePing, results[0].Message.Type)
}

func TestLineBuffer_BadLineDoesNotCorruptSubsequentLines(t *testing.T) {
	var lb LineBuffer

	results := lb.Feed([]byte("not json\n" + `{"type":"ping","timestamp":3}` + "\n"))
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	require.NoError(t, results[1].Err)
	assert.Equal(t, int64(3), results[1].Message.Timestamp)
}

func TestLineBuffer_MissingTypeIsDecodeError(t *testing.T) {
	var lb LineBuffer

	results := lb.Feed([]byte(`{"timestamp":3}` + "\n"))
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrMissingType)
}

func TestLineBuffer_BlankLinesSkipped(t *testing.T) {
	var lb LineBuffer

	results := lb.Feed([]byte("\n\r\n" + `{"type":"ping"}` + "\n\n"))
	require.Len(t, results, 1)
	assert.Equal(t, TypePing, results[0].Message.Type)
}

func TestLineBuffer_OversizedLineYieldsSingleError(t *testing.T) {
	var lb LineBuffer

	// Feed one over-limit line in two chunks, neither containing a newline.
	chunk := make([]byte, maxLineBytes/2+1)
	for i := range chunk {
		chunk[i] = 'x'
	}
	results := lb.Feed(chunk)
	assert.Empty(t, results)
	results = lb.Feed(chunk)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)

	// The tail of the same line must not surface a second error.
	results = lb.Feed([]byte("tail of the same line"))
	assert.Empty(t, results)
	results = lb.Feed([]byte(" still more\n"))
	assert.Empty(t, results)

	// The next line decodes normally.
	results = lb.Feed([]byte(`{"type":"ping","timestamp":9}` + "\n"))
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, int64(9), results[0].Message.Timestamp)
}

func TestEncodeLine_RoundTrip(t *testing.T) {
	msg := NewEventMessage("agent", "chat:main", []byte(`{"text":"hi"}`))

	line, err := EncodeLine(msg)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), line[len(line)-1])

	var lb LineBuffer
	results := lb.Feed(line)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "chat:main", results[0].Message.SessionID)
	assert.Equal(t, "agent", results[0].Message.Event)
}
