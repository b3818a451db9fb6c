// Package sse parses Anthropic-Messages-API-shaped server-sent events
// (component C4) and classifies which of them pertain to a "thinking"
// content block, so the thinking registry (internal/thinking) can register
// and retire blocks without re-implementing SSE framing itself.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
)

// Event is one parsed SSE data frame that carried a recognizable JSON
// payload with a "type" field.
type Event struct {
	Type string
	Data json.RawMessage
}

// doneMarker is the sentinel payload some providers send to close a stream;
// it carries no JSON and must be skipped, not parsed.
const doneMarker = "[DONE]"

// ParseLines splits raw (a full buffered body, or anything with embedded
// newlines) into Events, tolerating both LF and CRLF line endings and a
// leading UTF-8 BOM. Lines that are blank, SSE comments (leading ':'), or
// "event:"/"id:" framing lines are skipped; remaining lines are parsed
// either as bare JSON or as "data: {...}"/"data:{...}". Lines whose JSON
// has no "type" field, and the "[DONE]" sentinel, are silently dropped.
func ParseLines(raw []byte) []Event {
	raw = bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})
	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if ev, ok := ParseLine(scanner.Bytes()); ok {
			events = append(events, ev)
		}
	}
	return events
}

// ParseLine parses a single textual SSE line into an Event. The second
// return is false for lines that carry no classifiable event (comments,
// framing lines, [DONE], or JSON without a "type" field).
func ParseLine(line []byte) (Event, bool) {
	line = bytes.TrimRight(line, "\r")
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Event{}, false
	}
	if trimmed[0] == ':' {
		return Event{}, false
	}
	if bytes.HasPrefix(trimmed, []byte("event:")) || bytes.HasPrefix(trimmed, []byte("id:")) {
		return Event{}, false
	}

	payload := trimmed
	if bytes.HasPrefix(trimmed, []byte("data:")) {
		payload = bytes.TrimSpace(trimmed[len("data:"):])
	}
	if len(payload) == 0 {
		return Event{}, false
	}
	if bytes.Equal(payload, []byte(doneMarker)) {
		return Event{}, false
	}

	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, false
	}
	if env.Type == "" {
		return Event{}, false
	}
	return Event{Type: env.Type, Data: json.RawMessage(append([]byte(nil), payload...))}, true
}

// contentBlockStart/Delta/Stop mirror the Anthropic Messages API event
// shapes this package needs to read in order to track thinking blocks.
type contentBlockStart struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
	} `json:"content_block"`
}

type contentBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type string `json:"type"`
	} `json:"delta"`
}

type contentBlockStop struct {
	Index int `json:"index"`
}

// thinkingState is populated by Analyzer as it walks an event sequence.
type thinkingState struct {
	open map[int]bool
}

// Analyzer is a stateful walker over a sequence of Events that tracks
// which content-block indexes are "thinking" or "redacted_thinking"
// blocks, per the design doc §4.4. Thinking content itself travels across
// several content_block_delta events; Analyzer does not accumulate the
// text — callers needing the full content string should instead feed a
// buffered (non-streaming) JSON body to internal/thinking directly. This
// type exists to let a streaming caller know *which* indexes to treat as
// thinking so it can accumulate their deltas itself if it chooses to.
type Analyzer struct {
	st thinkingState
}

// NewAnalyzer returns a fresh Analyzer with no open thinking blocks.
func NewAnalyzer() *Analyzer {
	return &Analyzer{st: thinkingState{open: make(map[int]bool)}}
}

// IsThinkingBlockStart reports whether ev opens a new thinking or
// redacted_thinking content block, and if so records its index.
func (a *Analyzer) IsThinkingBlockStart(ev Event) bool {
	if ev.Type != "content_block_start" {
		return false
	}
	var cb contentBlockStart
	if err := json.Unmarshal(ev.Data, &cb); err != nil {
		return false
	}
	if cb.ContentBlock.Type != "thinking" && cb.ContentBlock.Type != "redacted_thinking" {
		return false
	}
	a.st.open[cb.Index] = true
	return true
}

// IsThinkingDelta reports whether ev is a thinking_delta or signature_delta
// that applies to a currently-open thinking block.
func (a *Analyzer) IsThinkingDelta(ev Event) bool {
	if ev.Type != "content_block_delta" {
		return false
	}
	var d contentBlockDelta
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return false
	}
	if d.Delta.Type != "thinking_delta" && d.Delta.Type != "signature_delta" {
		return false
	}
	return a.st.open[d.Index]
}

// IsThinkingBlockStop reports whether ev closes a previously-opened
// thinking block, and if so forgets its index.
func (a *Analyzer) IsThinkingBlockStop(ev Event) bool {
	if ev.Type != "content_block_stop" {
		return false
	}
	var s contentBlockStop
	if err := json.Unmarshal(ev.Data, &s); err != nil {
		return false
	}
	if !a.st.open[s.Index] {
		return false
	}
	delete(a.st.open, s.Index)
	return true
}
