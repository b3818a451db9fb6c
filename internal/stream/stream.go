// Package stream implements the observed stream wrapper (component C7): an
// io.ReadCloser decorator that enforces an idle-chunk deadline, tracks byte
// counts and a bounded preview, and invokes a completion callback exactly
// once when the underlying stream reaches a clean EOF.
package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// previewCapBytes bounds the optional preview buffer so a very large
// response body cannot grow the proxy's own memory use unbounded while
// being observed.
const previewCapBytes = 4096

// IdleTimeoutError is returned (unwrapped) from Read when the idle deadline
// elapses without a chunk arriving.
type IdleTimeoutError struct {
	Seconds float64
}

func (e *IdleTimeoutError) Error() string {
	return fmt.Sprintf("stream: idle timeout after %.1fs", e.Seconds)
}

// UpstreamError wraps whatever error the underlying reader produced,
// distinguishing it from an IdleTimeoutError for callers that branch on
// failure kind (e.g. to pick a 502 vs a 504).
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("stream: upstream error: %v", e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

// CompletionFunc is invoked with the full accumulated bytes when the
// underlying reader reaches a clean EOF. It is never called on error or
// idle timeout.
type CompletionFunc func(full []byte)

// Observed wraps an upstream io.ReadCloser, applying an idle-read deadline
// and tracking byte count/preview/TTFB. It is not safe for concurrent Read
// calls (matching io.Reader's usual contract), but Close may be called
// concurrently with a Read in progress to unblock it.
type Observed struct {
	mu          sync.Mutex
	src         io.ReadCloser
	idleTimeout time.Duration
	onComplete  CompletionFunc

	byteCount   int64
	preview     []byte
	ttfbSet     bool
	ttfb        time.Duration
	timedOut    bool
	startedAt   time.Time
	accumulated []byte
	finalizeFn  func(timedOut bool)

	once sync.Once
}

type readResult struct {
	n   int
	err error
}

// New wraps src with an idle timeout. onComplete (optional) receives the
// full accumulated response bytes on clean EOF; this feeds the SSE parser
// for thinking-block registration without the router re-buffering the body
// itself. finalizeSpan (optional) is called exactly once, whether the
// stream ends cleanly, errors, or times out, with timedOut reporting which.
func New(src io.ReadCloser, idleTimeout time.Duration, onComplete CompletionFunc, finalizeSpan func(timedOut bool)) *Observed {
	return &Observed{
		src:         src,
		idleTimeout: idleTimeout,
		onComplete:  onComplete,
		startedAt:   time.Now(),
		finalizeFn:  finalizeSpan,
	}
}

// Read implements io.Reader. Each call races the underlying read against
// the idle-timeout deadline in a helper goroutine so a stalled upstream
// connection cannot block forever.
func (o *Observed) Read(p []byte) (int, error) {
	resultCh := make(chan readResult, 1)
	go func() {
		n, err := o.src.Read(p)
		resultCh <- readResult{n: n, err: err}
	}()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if o.idleTimeout > 0 {
		timer = time.NewTimer(o.idleTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-resultCh:
		o.observe(res.n)
		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				if o.onComplete != nil {
					o.onComplete(o.accumulated)
				}
				o.finalize(false)
				return res.n, io.EOF
			}
			o.finalize(false)
			return res.n, &UpstreamError{Err: res.err}
		}
		return res.n, nil
	case <-timeoutCh:
		o.mu.Lock()
		o.timedOut = true
		o.mu.Unlock()
		o.finalize(true)
		return 0, &IdleTimeoutError{Seconds: o.idleTimeout.Seconds()}
	}
}

// observe records byte-count/preview/TTFB bookkeeping for n newly read
// bytes found in the most recent Read call's buffer. Since the caller's
// buffer is already consumed by the time this runs in the happy path, the
// preview capture happens via Peek-free accounting: callers that want a
// full preview feed the bytes they read to CaptureChunk after each Read.
// For the core contract this
// package only needs the byte counter and TTFB timing, which do not
// require the chunk contents.
func (o *Observed) observe(n int) {
	if n <= 0 {
		return
	}
	o.mu.Lock()
	o.byteCount += int64(n)
	if !o.ttfbSet {
		o.ttfb = time.Since(o.startedAt)
		o.ttfbSet = true
	}
	o.mu.Unlock()
}

// CaptureChunk lets a caller that already copied bytes out of p after a
// successful Read feed them back in for preview/accumulation purposes. The
// router calls this right after each Read when a completion callback is
// registered, so accumulated mirrors exactly what the client received.
func (o *Observed) CaptureChunk(chunk []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.onComplete != nil {
		o.accumulated = append(o.accumulated, chunk...)
	}
	if len(o.preview) < previewCapBytes {
		remaining := previewCapBytes - len(o.preview)
		if remaining > len(chunk) {
			remaining = len(chunk)
		}
		o.preview = append(o.preview, chunk[:remaining]...)
	}
}

// Close closes the underlying stream and finalizes the span if that has
// not already happened (e.g. the client disconnected mid-stream).
func (o *Observed) Close() error {
	o.finalize(false)
	return o.src.Close()
}

func (o *Observed) finalize(timedOut bool) {
	o.once.Do(func() {
		if o.finalizeFn != nil {
			o.finalizeFn(timedOut)
		}
	})
}

// ByteCount returns the number of response bytes observed so far.
func (o *Observed) ByteCount() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.byteCount
}

// Preview returns a copy of the bounded response preview captured so far.
func (o *Observed) Preview() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]byte, len(o.preview))
	copy(out, o.preview)
	return out
}

// TTFB returns the time-to-first-byte, or zero if no byte has arrived yet.
func (o *Observed) TTFB() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ttfb
}

// TimedOut reports whether this stream was terminated by the idle timeout.
func (o *Observed) TimedOut() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.timedOut
}
