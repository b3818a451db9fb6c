// Package upstream is the pooled HTTP/1.1 client that forwards one
// request to the backend id the caller names (component C8).
package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/firasghr/anyclaude-proxy/internal/auth"
	"github.com/firasghr/anyclaude-proxy/internal/backend"
	"github.com/firasghr/anyclaude-proxy/internal/config"
)

// hopByHopHeaders are stripped from both the inbound request (before
// forwarding) and would be stripped from any response copied verbatim;
// these are connection-scoped per RFC 7230 §6.1 and must never be
// forwarded across a proxy hop.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// ErrorKind classifies a forward failure into the status code the router
// should answer the client with.
type ErrorKind string

const (
	ErrKindConnection     ErrorKind = "connection_error" // -> 502
	ErrKindRequestTimeout ErrorKind = "request_timeout"  // -> 504
	ErrKindBackendState   ErrorKind = "backend_state"    // -> 502 (not found / not configured)
)

// ForwardError is returned by Forward for any failure that prevented a
// response from being obtained at all (as opposed to an upstream non-2xx,
// which is passed through verbatim and is not an error here).
type ForwardError struct {
	Kind ErrorKind
	Err  error
}

func (e *ForwardError) Error() string { return fmt.Sprintf("upstream: %s: %v", e.Kind, e.Err) }
func (e *ForwardError) Unwrap() error { return e.Err }

// Request is the minimal shape Forward needs from an inbound HTTP request.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Response is what Forward returns on success: either a fully-buffered
// body, or (IsStream) a still-open body the caller must read and close.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte       // populated when !IsStream
	Stream     io.ReadCloser // populated when IsStream; caller must Close
	IsStream   bool
}

// Client is a pooled HTTP/1.1 client tuned from Config, grounded on the
// teacher's per-session transport factory but shared across all requests
// to all backends (this proxy is single-tenant, so one pool suffices).
type Client struct {
	http *http.Client
}

// New builds a Client whose transport pool is sized from d.
func New(d config.Defaults) *Client {
	transport := &http.Transport{
		DisableKeepAlives:     false,
		MaxIdleConns:          d.MaxIdleConnsPerHost * 4,
		MaxIdleConnsPerHost:   d.MaxIdleConnsPerHost,
		IdleConnTimeout:       d.PoolIdleTimeout(),
		DialContext:           (&net.Dialer{Timeout: d.ConnectTimeout()}).DialContext,
		TLSHandshakeTimeout:   d.ConnectTimeout(),
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{http: &http.Client{
		Transport: transport,
		// Redirects are never appropriate for an API proxy hop; the caller
		// sees exactly what the backend returned.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

// Forward dispatches req to backendID, resolved against st's live Config at
// call time (never a value captured earlier in the request's lifetime —
// this is what lets an in-flight request keep using the backend it
// resolved at admission even if a concurrent switch_backend changes what
// is "active"). applying the per-request deadline from d. On a streaming
// (text/event-stream) response the Body is returned open; the caller is
// responsible for closing it. Any non-2xx upstream response is still
// returned as a normal Response, never as an error — only a connection
// failure, a deadline, or an unresolvable/unconfigured backend produce a
// ForwardError.
func (c *Client) Forward(ctx context.Context, req Request, backendID string, st *backend.State, d config.Defaults) (*Response, config.Backend, error) {
	b, err := st.Lookup(backendID)
	if err != nil {
		return nil, config.Backend{}, &ForwardError{Kind: ErrKindBackendState, Err: err}
	}
	if !b.Configured() {
		return nil, b, &ForwardError{Kind: ErrKindBackendState, Err: fmt.Errorf("backend %q is not configured", b.ID)}
	}

	ctx, cancel := context.WithTimeout(ctx, d.RequestTimeout())
	defer cancel()

	url := strings.TrimSuffix(b.BaseURL, "/") + req.Path
	if req.RawQuery != "" {
		url += "?" + req.RawQuery
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, b, &ForwardError{Kind: ErrKindConnection, Err: err}
	}
	rebuildHeaders(httpReq, req.Header, b)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, b, &ForwardError{Kind: ErrKindRequestTimeout, Err: ctx.Err()}
		}
		return nil, b, &ForwardError{Kind: ErrKindConnection, Err: err}
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Stream: resp.Body, IsStream: true}, b, nil
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, b, &ForwardError{Kind: ErrKindConnection, Err: err}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, b, nil
}

// rebuildHeaders copies inbound into req.Header, dropping hop-by-hop
// headers, Host, and (unless the backend's auth mode is passthrough) any
// client-supplied credential headers, then installs the backend's own auth
// header if BuildHeader produced one.
func rebuildHeaders(req *http.Request, inbound http.Header, b config.Backend) {
	for k, values := range inbound {
		canon := http.CanonicalHeaderKey(k)
		if _, hop := hopByHopHeaders[canon]; hop {
			continue
		}
		if canon == "Host" {
			continue
		}
		if b.Auth != config.AuthPassthrough && (canon == "Authorization" || canon == "X-Api-Key" || canon == "Cookie") {
			continue
		}
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	if h, ok := auth.BuildHeader(b); ok {
		req.Header.Set(h.Name, h.Value.Expose())
	}
}

// DecompressForAnalysis returns body decoded according to contentEncoding,
// for analysis purposes only (e.g. schema-drift inspection, thinking-block
// extraction on a non-streaming response whose backend happens to
// compress it). The original bytes forwarded to the client are never
// touched by this function — decompression here is read-only and
// best-effort; an unrecognized or failing encoding returns body unchanged
// so analysis degrades gracefully instead of blocking the response path.
func DecompressForAnalysis(body []byte, contentEncoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return body
		}
		return out
	case "br":
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return body
		}
		return out
	case "zstd":
		dec, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		defer dec.Close()
		out, err := io.ReadAll(dec)
		if err != nil {
			return body
		}
		return out
	default:
		return body
	}
}
