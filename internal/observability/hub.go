// Package observability is the request-metrics and plugin hub (component
// C6). It keeps a bounded ring buffer of recent requests, a per-backend
// aggregate table, and a small plugin chain invoked around each request.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ringCapacity bounds memory for the recent-requests ring buffer. Kept at
// O(10^3) per the design doc; percentile computation sorts at most this
// many samples per backend.
const ringCapacity = 2000

// RequestRecord is one completed request's observable outcome.
type RequestRecord struct {
	ID         string
	Backend    string
	Method     string
	Path       string
	Status     int
	Latency    time.Duration
	TTFB       time.Duration
	TimedOut   bool
	StartedAt  time.Time
	FinishedAt time.Time

	// RequestBytes/ResponseBytes are the forwarded request body size and
	// the size of the response bytes actually relayed to the client.
	RequestBytes  int
	ResponseBytes int

	// Request and Response are best-effort parses of the request/response
	// bodies; nil when the body was not recognisable JSON (or, for
	// Response, when a stream ended before any usage event arrived).
	Request  *RequestAnalysis
	Response *ResponseAnalysis
}

// RequestAnalysis is the proxy's best-effort interpretation of a forwarded
// request body. EstimatedInputTokens is a rough chars-per-token heuristic,
// not a real tokenizer count — this proxy never vendors one.
type RequestAnalysis struct {
	Model                string
	MessageCount         int
	ImageCount           int
	EstimatedInputTokens int
	ToolNames            []string
	ThinkingEnabled      bool
}

// ResponseAnalysis is the proxy's best-effort interpretation of a
// response's usage/outcome. CostUSD stays zero unless the resolved
// backend has a pricing table configured.
type ResponseAnalysis struct {
	InputTokens  int
	OutputTokens int
	StopReason   string
	CostUSD      float64
}

// aggregate accumulates per-backend totals that do not require the full
// ring buffer to answer (counts, sums) — percentiles still need the raw
// samples and are computed on demand from the ring buffer.
type aggregate struct {
	Requests       uint64
	Status2xx      uint64
	Status4xx      uint64
	Status5xx      uint64
	Timeouts       uint64
	SumLatencyNS   int64
	LatencySamples uint64
	SumTTFBNS      int64
	TTFBSamples    uint64
}

// BackendOverride lets a pre_request plugin force a different backend id
// than the one the router resolved.
type BackendOverride struct {
	BackendID string
}

// Plugin is invoked around every request. PreRequest may return a non-nil
// BackendOverride to redirect the request before dispatch. PostResponse is
// fire-and-forget and must not block the response path for long.
type Plugin interface {
	PreRequest(id, method, path, backend string) *BackendOverride
	PostResponse(rec RequestRecord)
}

// DebugLoggerPlugin is the canonical plugin: it logs a one-line summary of
// each completed request when enabled, and is a no-op otherwise. Its
// enabled flag is toggled via SetEnabled (main sets it from the -debug
// flag). The IPC debug-logging get/set commands do not reach it: ipc.Server
// keeps a flag of its own.
type DebugLoggerPlugin struct {
	mu      sync.RWMutex
	enabled bool
	sink    func(line string)
}

// NewDebugLoggerPlugin returns a DebugLoggerPlugin that calls sink with one
// formatted line per completed request while enabled.
func NewDebugLoggerPlugin(sink func(line string)) *DebugLoggerPlugin {
	return &DebugLoggerPlugin{sink: sink}
}

func (p *DebugLoggerPlugin) SetEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
}

func (p *DebugLoggerPlugin) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

func (p *DebugLoggerPlugin) PreRequest(id, method, path, backend string) *BackendOverride {
	return nil
}

func (p *DebugLoggerPlugin) PostResponse(rec RequestRecord) {
	if !p.Enabled() || p.sink == nil {
		return
	}
	p.sink(rec.ID + " " + rec.Method + " " + rec.Path + " -> " + rec.Backend)
}

// Span is returned by StartRequest and consumed exactly once by either
// FinishRequest or FinishError.
type Span struct {
	id        string
	method    string
	path      string
	backend   string
	startedAt time.Time
	ttfbSet   bool
	ttfb      time.Duration

	requestBytes  int
	responseBytes int
	reqAnalysis   *RequestAnalysis
	respAnalysis  *ResponseAnalysis

	consumed uint32 // guarded by hub.mu at consume time; see Hub.finish
}

// SetRequestBytes records the forwarded request body size. Like
// RecordTTFB, this is only ever touched by the single goroutine handling
// the request before it reaches FinishRequest/FinishError, so it needs no
// locking of its own.
func (s *Span) SetRequestBytes(n int) { s.requestBytes = n }

// SetRequestAnalysis attaches a best-effort parse of the request body.
func (s *Span) SetRequestAnalysis(a *RequestAnalysis) { s.reqAnalysis = a }

// SetResponseBytes records the response body size relayed to the client.
func (s *Span) SetResponseBytes(n int) { s.responseBytes = n }

// SetResponseAnalysis attaches a best-effort parse of the response body.
func (s *Span) SetResponseAnalysis(a *ResponseAnalysis) { s.respAnalysis = a }

// RequestStart is the result of StartRequest.
type RequestStart struct {
	Span            *Span
	BackendOverride *BackendOverride
}

// Hub is the observability store: ring buffer + aggregates + plugin chain.
//
// Concurrency model: one mutex guards the ring buffer, write cursor, and
// aggregate table together, since a finished request updates all three in
// one step. Plugin hooks run outside the lock so a slow plugin cannot
// block metric recording for other goroutines (PreRequest/PostResponse
// bodies are the plugin author's responsibility to keep fast).
type Hub struct {
	mu         sync.Mutex
	ring       []RequestRecord
	ringCursor int
	ringFull   bool
	aggregates map[string]*aggregate
	plugins    []Plugin
	startedAt  time.Time
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		ring:       make([]RequestRecord, ringCapacity),
		aggregates: make(map[string]*aggregate),
		startedAt:  time.Now(),
	}
}

// RegisterPlugin appends p to the plugin chain. Not safe to call
// concurrently with requests in flight; plugins are wired once at startup.
func (h *Hub) RegisterPlugin(p Plugin) {
	h.plugins = append(h.plugins, p)
}

// NewRequestID returns a fresh request id (a uuid, per the design doc's
// "assign a uuid request id" step).
func NewRequestID() string {
	return uuid.NewString()
}

// StartRequest opens a span for one request and runs every plugin's
// PreRequest hook, returning the first non-nil BackendOverride (if any).
func (h *Hub) StartRequest(id, method, path, activeBackend string) RequestStart {
	span := &Span{id: id, method: method, path: path, backend: activeBackend, startedAt: time.Now()}

	var override *BackendOverride
	for _, p := range h.plugins {
		if o := p.PreRequest(id, method, path, activeBackend); o != nil && override == nil {
			override = o
		}
	}
	if override != nil {
		span.backend = override.BackendID
	}
	return RequestStart{Span: span, BackendOverride: override}
}

// RecordTTFB marks the time-to-first-byte for span, if not already marked.
func (s *Span) RecordTTFB() {
	if !s.ttfbSet {
		s.ttfb = time.Since(s.startedAt)
		s.ttfbSet = true
	}
}

// FinishRequest finalises span with a successful (or passthrough) status
// code. Idempotent: a second call on the same span is a no-op.
func (h *Hub) FinishRequest(span *Span, status int) {
	h.finish(span, status, false)
}

// FinishError finalises span after an error, coercing status (a 0 status
// is recorded as 0, which aggregates as neither 2xx/4xx/5xx but still
// counts toward total requests and, if timedOut, toward the timeout tally).
func (h *Hub) FinishError(span *Span, status int, timedOut bool) {
	h.finish(span, status, timedOut)
}

func (h *Hub) finish(span *Span, status int, timedOut bool) {
	h.mu.Lock()
	if span.consumed != 0 {
		h.mu.Unlock()
		return
	}
	span.consumed = 1

	rec := RequestRecord{
		ID:            span.id,
		Backend:       span.backend,
		Method:        span.method,
		Path:          span.path,
		Status:        status,
		Latency:       time.Since(span.startedAt),
		TTFB:          span.ttfb,
		TimedOut:      timedOut,
		StartedAt:     span.startedAt,
		FinishedAt:    time.Now(),
		RequestBytes:  span.requestBytes,
		ResponseBytes: span.responseBytes,
		Request:       span.reqAnalysis,
		Response:      span.respAnalysis,
	}

	h.ring[h.ringCursor] = rec
	h.ringCursor++
	if h.ringCursor >= len(h.ring) {
		h.ringCursor = 0
		h.ringFull = true
	}

	agg, ok := h.aggregates[rec.Backend]
	if !ok {
		agg = &aggregate{}
		h.aggregates[rec.Backend] = agg
	}
	agg.Requests++
	switch {
	case status >= 200 && status < 300:
		agg.Status2xx++
	case status >= 400 && status < 500:
		agg.Status4xx++
	case status >= 500:
		agg.Status5xx++
	}
	if timedOut {
		agg.Timeouts++
	}
	agg.SumLatencyNS += int64(rec.Latency)
	agg.LatencySamples++
	if span.ttfbSet {
		agg.SumTTFBNS += int64(rec.TTFB)
		agg.TTFBSamples++
	}
	h.mu.Unlock()

	for _, p := range h.plugins {
		p.PostResponse(rec)
	}
}

// BackendStats is the externally visible aggregate snapshot for one backend.
type BackendStats struct {
	Backend    string
	Requests   uint64
	Status2xx  uint64
	Status4xx  uint64
	Status5xx  uint64
	Timeouts   uint64
	AvgLatency time.Duration
	AvgTTFB    time.Duration
	P50Latency time.Duration
	P95Latency time.Duration
	P99Latency time.Duration
}

// Snapshot returns BackendStats for every backend seen so far. If
// filterBackend is non-empty, only that backend's stats are returned (an
// empty slice if it has no recorded requests).
func (h *Hub) Snapshot(filterBackend string) []BackendStats {
	h.mu.Lock()
	samples := make(map[string][]time.Duration)
	for _, rec := range h.snapshotRing() {
		if filterBackend != "" && rec.Backend != filterBackend {
			continue
		}
		samples[rec.Backend] = append(samples[rec.Backend], rec.Latency)
	}
	var out []BackendStats
	for backend, agg := range h.aggregates {
		if filterBackend != "" && backend != filterBackend {
			continue
		}
		stats := BackendStats{
			Backend:   backend,
			Requests:  agg.Requests,
			Status2xx: agg.Status2xx,
			Status4xx: agg.Status4xx,
			Status5xx: agg.Status5xx,
			Timeouts:  agg.Timeouts,
		}
		if agg.LatencySamples > 0 {
			stats.AvgLatency = time.Duration(agg.SumLatencyNS / int64(agg.LatencySamples))
		}
		if agg.TTFBSamples > 0 {
			stats.AvgTTFB = time.Duration(agg.SumTTFBNS / int64(agg.TTFBSamples))
		}
		ss := samples[backend]
		stats.P50Latency = percentile(ss, 0.50)
		stats.P95Latency = percentile(ss, 0.95)
		stats.P99Latency = percentile(ss, 0.99)
		out = append(out, stats)
	}
	h.mu.Unlock()
	return out
}

// RecentRecords returns a copy of the ring buffer's contents, oldest first,
// optionally filtered to one backend.
func (h *Hub) RecentRecords(filterBackend string) []RequestRecord {
	h.mu.Lock()
	all := h.snapshotRing()
	h.mu.Unlock()

	if filterBackend == "" {
		return all
	}
	out := all[:0:0]
	for _, r := range all {
		if r.Backend == filterBackend {
			out = append(out, r)
		}
	}
	return out
}

// snapshotRing must be called with h.mu held. It returns the ring's
// contents in chronological order.
func (h *Hub) snapshotRing() []RequestRecord {
	if !h.ringFull {
		out := make([]RequestRecord, h.ringCursor)
		copy(out, h.ring[:h.ringCursor])
		return out
	}
	out := make([]RequestRecord, len(h.ring))
	copy(out, h.ring[h.ringCursor:])
	copy(out[len(h.ring)-h.ringCursor:], h.ring[:h.ringCursor])
	return out
}

// TotalRequests sums the Requests counter across all backends.
func (h *Hub) TotalRequests() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total uint64
	for _, agg := range h.aggregates {
		total += agg.Requests
	}
	return total
}

// UptimeSeconds reports how long this Hub has existed.
func (h *Hub) UptimeSeconds() float64 {
	return time.Since(h.startedAt).Seconds()
}

// percentile returns the p-th percentile (0 < p <= 1) of samples as the
// element at rank floor(p*n), clamped to 1..n, of a sorted copy; samples
// is not mutated.
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(p*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
