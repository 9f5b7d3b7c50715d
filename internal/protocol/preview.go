// ABOUTME: Human-readable content previews for session lifecycle events.
// ABOUTME: Joins text segments, placeholders for non-text or empty input.

package protocol

import (
	"encoding/json"
	"strings"
)

// Placeholders used when input carries no renderable text.
const (
	PreviewNonText = "[non-text content]"
	PreviewEmpty   = "[no content]"
)

// Preview renders a one-line preview of a send input for the
// session:message lifecycle event. A plain JSON string passes through
// verbatim; an array of input messages contributes each text segment,
// joined by a single space. Input with content but no text segments renders
// PreviewNonText; fully empty input renders PreviewEmpty.
func Preview(input json.RawMessage) string {
	if len(input) == 0 {
		return PreviewEmpty
	}

	var s string
	if err := json.Unmarshal(input, &s); err == nil {
		if s == "" {
			return PreviewEmpty
		}
		return s
	}

	var items []json.RawMessage
	if err := json.Unmarshal(input, &items); err != nil {
		return PreviewNonText
	}
	if len(items) == 0 {
		return PreviewEmpty
	}

	var segments []string
	hasContent := false
	for _, item := range items {
		if json.Unmarshal(item, &s) == nil {
			if s != "" {
				hasContent = true
				segments = append(segments, s)
			}
			continue
		}

		var obj struct {
			Type    string          `json:"type"`
			Text    string          `json:"text"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			hasContent = true
			continue
		}

		if obj.Type == "text" && obj.Text != "" {
			hasContent = true
			segments = append(segments, obj.Text)
			continue
		}
		if len(obj.Content) > 0 {
			hasContent = true
			segments = append(segments, textSegments(obj.Content)...)
			continue
		}
		if obj.Type != "" || obj.Text != "" {
			hasContent = true
		}
	}

	if len(segments) > 0 {
		return strings.Join(segments, " ")
	}
	if hasContent {
		return PreviewNonText
	}
	return PreviewEmpty
}

// textSegments extracts text block contents from a message content field,
// which may be a bare string or an array of typed blocks.
func textSegments(content json.RawMessage) []string {
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil
	}

	var out []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			out = append(out, b.Text)
		}
	}
	return out
}
