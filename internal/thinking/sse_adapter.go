package thinking

import (
	"encoding/json"

	"github.com/firasghr/anyclaude-proxy/internal/sse"
)

// RegisterFromResponseBody scans a fully-buffered (non-streaming) Messages
// API response body for thinking/redacted_thinking content blocks and
// registers each one under s's session. Malformed or non-JSON bodies are
// ignored; this is best-effort observation, not request validation.
func (s Session) RegisterFromResponseBody(body []byte) {
	var parsed struct {
		Content []rawBlock `json:"content"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return
	}
	for _, b := range parsed.Content {
		if text, ok := blockContent(b); ok {
			s.RegisterBlock(text)
		}
	}
}

// contentBlockEvent mirrors just enough of the Anthropic streaming event
// shapes to reconstruct a thinking block's full text across a sequence of
// content_block_start/content_block_delta/content_block_stop events.
type contentBlockEvent struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
	} `json:"content_block"`
	Delta struct {
		Type      string `json:"type"`
		Thinking  string `json:"thinking"`
		Signature string `json:"signature"`
	} `json:"delta"`
}

// RegisterFromSSE parses raw (a full buffered SSE response body) into
// events and accumulates the text of every thinking/redacted_thinking
// content block across its content_block_delta events, registering the
// complete text under s's session once each block's content_block_stop
// arrives. Blocks left open at the end of the stream (a truncated
// response) are registered with whatever partial text was accumulated —
// better to over-register (harmless, GC'd later) than silently drop
// legitimate context.
func (s Session) RegisterFromSSE(raw []byte) {
	events := sse.ParseLines(raw)
	open := make(map[int]*stringBuilder)

	for _, ev := range events {
		var cb contentBlockEvent
		if err := json.Unmarshal(ev.Data, &cb); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_start":
			if cb.ContentBlock.Type == "thinking" || cb.ContentBlock.Type == "redacted_thinking" {
				open[cb.Index] = &stringBuilder{}
			}
		case "content_block_delta":
			// Only the thinking text itself is accumulated here — the
			// signature is never part of a block's registered content (see
			// blockContent in registry.go), so folding it in here would
			// make RegisterFromSSE hash something FilterMessages never
			// reproduces on the next request.
			if sb, ok := open[cb.Index]; ok && cb.Delta.Thinking != "" {
				sb.WriteString(cb.Delta.Thinking)
			}
		case "content_block_stop":
			if sb, ok := open[cb.Index]; ok {
				if text := sb.String(); text != "" {
					s.RegisterBlock(text)
				}
				delete(open, cb.Index)
			}
		}
	}

	// Anything still open at stream end (truncated response) is registered
	// with its partial text rather than discarded.
	for _, sb := range open {
		if text := sb.String(); text != "" {
			s.RegisterBlock(text)
		}
	}
}

// stringBuilder is a tiny accumulator local to this file; strings.Builder
// would work equally well but this keeps the zero-value-friendly pointer
// semantics explicit for the open-block map above.
type stringBuilder struct {
	parts []string
}

func (b *stringBuilder) WriteString(s string) { b.parts = append(b.parts, s) }

func (b *stringBuilder) String() string {
	total := 0
	for _, p := range b.parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range b.parts {
		out = append(out, p...)
	}
	return string(out)
}
