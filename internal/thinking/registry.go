// Package thinking implements the thinking-block continuity engine
// (component C5): it tracks provider-specific, opaque "thinking" content
// blocks across backend switches so that a block produced by one backend
// is never replayed against a different one, while still letting
// legitimate within-backend context survive round trips.
//
// The registry is keyed by a monotonic session id rather than by backend
// id directly: every backend switch bumps the session, and a block is only
// ever confirmed or kept under the session it was registered in. This
// means a request already in flight when a switch happens keeps working
// against the session it captured at the start — a concurrent switch can
// never invalidate blocks out from under it.
package thinking

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// blockSampleLen bounds how much of a thinking block's content contributes
// to its fast hash, per the design doc §4.5: first and last N bytes plus
// the total length, trimmed to UTF-8 boundaries so a hash never splits a
// multi-byte rune.
const blockSampleLen = 256

// entry is one registered thinking-block fingerprint.
type entry struct {
	session      uint64
	confirmed    bool
	registeredAt time.Time
}

// Registry is the shared, mutex-guarded table of known thinking-block
// hashes. A single mutex is sufficient: hold time per request is bounded
// by the number of thinking blocks in that request's body (typically at
// most a few dozen), and no I/O ever happens while the lock is held.
type Registry struct {
	mu             sync.Mutex
	currentSession uint64
	currentBackend string
	blocks         map[uint64]entry
	orphanThreshold time.Duration
}

// NewRegistry returns an empty Registry. orphanThreshold bounds how long an
// unconfirmed, not-currently-requested block survives GC.
func NewRegistry(orphanThreshold time.Duration) *Registry {
	if orphanThreshold <= 0 {
		orphanThreshold = 5 * time.Minute
	}
	return &Registry{blocks: make(map[uint64]entry), orphanThreshold: orphanThreshold}
}

// notify bumps the session if backendID differs from the last-seen active
// backend. Must be called with r.mu held.
func (r *Registry) notify(backendID string) {
	if backendID != r.currentBackend {
		r.currentSession++
		r.currentBackend = backendID
	}
}

// Notify is the exported form of notify, used by the router/IPC layer to
// register a backend change (e.g. right after backend.SwitchBackend)
// independently of any in-flight request.
func (r *Registry) Notify(backendID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify(backendID)
}

// Session is a handle captured at the start of one request. It carries the
// session id observed at capture time, so a concurrent backend switch
// during the request's lifetime cannot retroactively invalidate the blocks
// this request is working with.
type Session struct {
	id uint64
	r  *Registry
}

// BeginRequest runs notify for backendID (so a just-changed active backend
// registers before the session id is captured) and returns a Session bound
// to the resulting session id.
func (r *Registry) BeginRequest(backendID string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify(backendID)
	return Session{id: r.currentSession, r: r}
}

// fastHash implements the §4.5 fast-hash recipe: first ≤256 bytes, last
// ≤256 bytes (each trimmed to a UTF-8 char boundary), and the total byte
// length, fed through xxhash. Collisions are tolerated by design — the
// worst outcome is an unnecessarily retained block, never a dropped one
// for an unrelated block that happens to collide, since confirmation and
// filtering both key off the same hash consistently.
func fastHash(content string) uint64 {
	b := []byte(content)
	h := xxhash.New()

	head := b
	if len(head) > blockSampleLen {
		head = head[:trimToRuneBoundary(head, blockSampleLen)]
	}
	h.Write(head) //nolint:errcheck

	tail := b
	if len(tail) > blockSampleLen {
		start := len(tail) - blockSampleLen
		start += trimToRuneBoundaryForward(tail[start:])
		tail = tail[start:]
	}
	h.Write(tail) //nolint:errcheck

	var lenBuf [8]byte
	n := uint64(len(b))
	for i := 0; i < 8; i++ {
		lenBuf[i] = byte(n >> (8 * i))
	}
	h.Write(lenBuf[:]) //nolint:errcheck

	return h.Sum64()
}

// trimToRuneBoundary returns the largest prefix length <= limit that does
// not split a UTF-8 rune in b.
func trimToRuneBoundary(b []byte, limit int) int {
	if limit >= len(b) {
		return len(b)
	}
	for limit > 0 && !utf8.RuneStart(b[limit]) {
		limit--
	}
	return limit
}

// trimToRuneBoundaryForward returns how many leading bytes of b to skip so
// the remainder starts on a rune boundary (b here is already the tail
// candidate slice).
func trimToRuneBoundaryForward(b []byte) int {
	skip := 0
	for skip < len(b) && !utf8.RuneStart(b[skip]) {
		skip++
	}
	return skip
}

// RegisterBlock records content as belonging to s's session. Re-registering
// the same content within the same session is a no-op; registering content
// already known from a different (older) session refreshes it into the
// current one, unconfirmed.
func (s Session) RegisterBlock(content string) {
	h := fastHash(content)
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if e, ok := s.r.blocks[h]; ok && e.session == s.id {
		return
	}
	s.r.blocks[h] = entry{session: s.id, confirmed: false, registeredAt: time.Now()}
}

// rawBlock mirrors the minimal shape this package needs to read out
// of an Anthropic-style messages array without importing a full request
// model — the router owns the canonical request/response types.
type rawBlock struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking,omitempty"`
	Data     string `json:"data,omitempty"`
}

// blockContent extracts the textual payload of a thinking/redacted_thinking
// block. Anthropic's "thinking" blocks carry their text in "thinking";
// "redacted_thinking" blocks carry an opaque blob in "data". Returns false
// if neither field is present (a malformed block).
func blockContent(b rawBlock) (string, bool) {
	switch b.Type {
	case "thinking":
		if b.Thinking == "" {
			return "", false
		}
		return b.Thinking, true
	case "redacted_thinking":
		if b.Data == "" {
			return "", false
		}
		return b.Data, true
	default:
		return "", false
	}
}

// FilterMessages mutates body in place (body is a decoded
// `{"messages": [...]}`-shaped JSON document, as a generic
// map[string]interface{} tree) applying the four-pass algorithm from the
// design doc §4.5: collect the request set of hashes, confirm matching
// entries, GC stale ones, then strip any thinking/redacted_thinking block
// whose hash is not (or no longer) known. Returns the number of blocks
// removed.
//
// Edge cases: a message whose "content" is a string, null, or any
// non-array value passes through unchanged. A thinking block with no
// extractable content is always removed (it cannot be trusted or
// re-verified). An empty "content": [] after filtering is left as-is; this
// package does not inject placeholder content.
func (s Session) FilterMessages(body map[string]interface{}) int {
	messages, _ := body["messages"].([]interface{})
	if messages == nil {
		return 0
	}

	requestSet := make(map[uint64]struct{})
	for _, m := range messages {
		for _, c := range contentBlocks(m) {
			blk, ok := asBlock(c)
			if !ok {
				continue
			}
			if blk.Type != "thinking" && blk.Type != "redacted_thinking" {
				continue
			}
			content, ok := blockContent(blk)
			if !ok {
				continue
			}
			requestSet[fastHash(content)] = struct{}{}
		}
	}

	s.r.mu.Lock()
	for h := range requestSet {
		if e, ok := s.r.blocks[h]; ok && e.session == s.id && !e.confirmed {
			e.confirmed = true
			s.r.blocks[h] = e
		}
	}

	now := time.Now()
	for h, e := range s.r.blocks {
		_, inRequest := requestSet[h]
		stale := e.session != s.id ||
			(e.confirmed && !inRequest) ||
			(!e.confirmed && !inRequest && now.Sub(e.registeredAt) > s.r.orphanThreshold)
		if stale {
			delete(s.r.blocks, h)
		}
	}

	known := make(map[uint64]struct{}, len(s.r.blocks))
	for h, e := range s.r.blocks {
		if e.session == s.id {
			known[h] = struct{}{}
		}
	}
	s.r.mu.Unlock()

	removed := 0
	for _, m := range messages {
		mm, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		content, ok := mm["content"].([]interface{})
		if !ok {
			// string, null, or any non-array shape: leave untouched.
			continue
		}
		kept := content[:0]
		for _, c := range content {
			blk, ok := asBlock(c)
			if !ok {
				kept = append(kept, c)
				continue
			}
			if blk.Type != "thinking" && blk.Type != "redacted_thinking" {
				kept = append(kept, c)
				continue
			}
			text, ok := blockContent(blk)
			if !ok {
				removed++
				continue
			}
			if _, ok := known[fastHash(text)]; !ok {
				removed++
				continue
			}
			kept = append(kept, c)
		}
		mm["content"] = kept
	}
	return removed
}

// contentBlocks returns the raw content slice for one message value, or
// nil if it is not array-shaped.
func contentBlocks(m interface{}) []interface{} {
	mm, ok := m.(map[string]interface{})
	if !ok {
		return nil
	}
	c, ok := mm["content"].([]interface{})
	if !ok {
		return nil
	}
	return c
}

// asBlock converts one raw content entry into a rawBlock, reporting
// whether it was a JSON object at all.
func asBlock(c interface{}) (rawBlock, bool) {
	mm, ok := c.(map[string]interface{})
	if !ok {
		return rawBlock{}, false
	}
	b := rawBlock{}
	if t, ok := mm["type"].(string); ok {
		b.Type = t
	}
	if t, ok := mm["thinking"].(string); ok {
		b.Thinking = t
	}
	if d, ok := mm["data"].(string); ok {
		b.Data = d
	}
	return b, true
}

// Len reports how many block fingerprints the registry currently holds,
// across all sessions. Exposed for tests and for the observability/debug
// surface, not for production control flow.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks)
}

// CurrentSession reports the registry's current session id.
func (r *Registry) CurrentSession() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentSession
}
