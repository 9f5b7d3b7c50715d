// ABOUTME: NDJSON line framing: accumulates partial reads, emits one parsed
// ABOUTME: message per complete line, keeps state intact across bad lines.

package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrMissingType indicates a JSON document with no type discriminator.
var ErrMissingType = errors.New("message has no type field")

// maxLineBytes bounds a single NDJSON line. A peer that exceeds it gets a
// decode error for that line; the connection itself is unaffected.
const maxLineBytes = 4 << 20

// DecodeResult is one framing outcome: either a parsed message or the
// decode error for one malformed line. Exactly one of the two is set.
type DecodeResult struct {
	Message *Message
	Err     error
}

// LineBuffer assembles newline-delimited JSON messages from an arbitrary
// sequence of partial reads. Not safe for concurrent use; each connection
// owns exactly one.
type LineBuffer struct {
	buf bytes.Buffer

	// discarding is set after an oversized line is dropped; the remainder of
	// that line, up to its newline, is swallowed without a second error.
	discarding bool
}

// Feed appends raw bytes and returns one DecodeResult per complete line
// seen so far, in arrival order. Bytes after the last newline remain
// buffered for the next call. Blank lines are skipped. A line that fails to
// parse produces exactly one error result and does not disturb subsequent
// lines.
func (lb *LineBuffer) Feed(p []byte) []DecodeResult {
	lb.buf.Write(p)

	var results []DecodeResult
	for {
		data := lb.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			if lb.discarding {
				lb.buf.Reset()
				return results
			}
			if lb.buf.Len() > maxLineBytes {
				lb.buf.Reset()
				lb.discarding = true
				results = append(results, DecodeResult{Err: fmt.Errorf("line exceeds %d bytes", maxLineBytes)})
			}
			return results
		}

		if lb.discarding {
			// Tail of the oversized line; its error was already reported.
			lb.buf.Next(idx + 1)
			lb.discarding = false
			continue
		}

		line := make([]byte, idx)
		copy(line, data[:idx])
		lb.buf.Next(idx + 1)

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		msg, err := Decode(line)
		if err != nil {
			results = append(results, DecodeResult{Err: fmt.Errorf("decoding line: %w", err)})
			continue
		}
		results = append(results, DecodeResult{Message: msg})
	}
}

// Pending reports how many bytes are buffered awaiting a newline.
func (lb *LineBuffer) Pending() int {
	return lb.buf.Len()
}

// EncodeLine serializes a message followed by the NDJSON line terminator.
func EncodeLine(m *Message) ([]byte, error) {
	data, err := m.Encode()
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
