// Package router implements the per-request orchestration pipeline
// (component C9): resolve the active backend, begin a thinking session,
// filter the request body, forward it upstream, and return the response —
// either buffered or streamed — back to the client.
package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/firasghr/anyclaude-proxy/internal/backend"
	"github.com/firasghr/anyclaude-proxy/internal/config"
	"github.com/firasghr/anyclaude-proxy/internal/observability"
	"github.com/firasghr/anyclaude-proxy/internal/schema"
	"github.com/firasghr/anyclaude-proxy/internal/stream"
	"github.com/firasghr/anyclaude-proxy/internal/thinking"
	"github.com/firasghr/anyclaude-proxy/internal/upstream"
	"github.com/firasghr/anyclaude-proxy/logger"
)

// RoutingRule is an optional prefix match that overrides the resolved
// backend for requests whose path starts with Prefix; the prefix is
// stripped before forwarding.
type RoutingRule struct {
	Prefix  string
	Backend string
}

// Router wires together the components needed to serve one request.
type Router struct {
	state       *backend.State
	registry    *thinking.Registry
	hub         *observability.Hub
	client      *upstream.Client
	log         *logger.Logger
	rules       []RoutingRule
	teammateTo  string // empty means no teammate pipeline is mounted
	idleTimeout func() config.Defaults
	schemas     *schema.Registry // nil means schema-drift detection is disabled
}

// SetSchemaRegistry attaches a schema.Registry so buffered, successful
// responses are checked for response-shape drift against each backend's
// learned baseline. Optional: a nil Router.schemas (the default) disables
// the check entirely, since it is purely diagnostic and never gates a
// response.
func (rt *Router) SetSchemaRegistry(reg *schema.Registry) {
	rt.schemas = reg
}

// New constructs a Router. defaultsFn is called per request so a config
// reload (which may change timeouts) takes effect without restarting the
// router.
func New(state *backend.State, registry *thinking.Registry, hub *observability.Hub, client *upstream.Client, log *logger.Logger, rules []RoutingRule, teammateBackend string, defaultsFn func() config.Defaults) *Router {
	return &Router{
		state:       state,
		registry:    registry,
		hub:         hub,
		client:      client,
		log:         log,
		rules:       rules,
		teammateTo:  teammateBackend,
		idleTimeout: defaultsFn,
	}
}

// ServeHTTP is the main-pipeline entry point, mounted at "/".
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/health" {
		writeHealth(w)
		return
	}

	if rt.teammateTo != "" && isTeammatePath(r.URL.Path) {
		rt.serveTeammate(w, r)
		return
	}

	rt.serveMain(w, r)
}

func isTeammatePath(path string) bool {
	const prefix = "/teammate"
	if path == prefix {
		// a bare "/teammate" (no trailing slash, nothing after it) is not
		// considered a match — the design calls for 404 here.
		return false
	}
	return strings.HasPrefix(path, prefix+"/")
}

func writeHealth(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "anyclaude"})
}

// serveMain runs the full pipeline: backend resolution, thinking session,
// body filtering, dispatch, response relay.
func (rt *Router) serveMain(w http.ResponseWriter, r *http.Request) {
	reqID := observability.NewRequestID()
	activeID := rt.state.ActiveID()

	backendID, path := rt.applyRoutingRule(activeID, r.URL.Path)

	start := rt.hub.StartRequest(reqID, r.Method, r.URL.Path, backendID)
	if start.BackendOverride != nil {
		backendID = start.BackendOverride.BackendID
	}
	span := start.Span

	session := rt.registry.BeginRequest(backendID)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		rt.writeError(w, span, http.StatusBadRequest, "invalid_request", "failed to read request body", reqID)
		return
	}

	body = rt.filterThinking(body, r.Header.Get("Content-Type"), session)
	body = rt.applyThinkingCompat(body, backendID)

	span.SetRequestBytes(len(body))
	span.SetRequestAnalysis(analyzeRequest(body))

	upReq := upstream.Request{
		Method:   r.Method,
		Path:     path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header,
		Body:     body,
	}

	rt.dispatch(w, r.Context(), upReq, span, session, reqID, backendID)
}

// applyRoutingRule returns the effective backend id and outgoing path for
// path, consulting rt.rules for a prefix match before falling back to
// activeID unchanged.
func (rt *Router) applyRoutingRule(activeID, path string) (string, string) {
	for _, rule := range rt.rules {
		if strings.HasPrefix(path, rule.Prefix) {
			return rule.Backend, strings.TrimPrefix(path, rule.Prefix)
		}
	}
	return activeID, path
}

// serveTeammate forces the backend to rt.teammateTo, strips the
// "/teammate" prefix, and skips the thinking filter entirely, per §4.9.
func (rt *Router) serveTeammate(w http.ResponseWriter, r *http.Request) {
	reqID := observability.NewRequestID()
	path := strings.TrimPrefix(r.URL.Path, "/teammate")

	start := rt.hub.StartRequest(reqID, r.Method, r.URL.Path, rt.teammateTo)
	span := start.Span

	body, err := io.ReadAll(r.Body)
	if err != nil {
		rt.writeError(w, span, http.StatusBadRequest, "invalid_request", "failed to read request body", reqID)
		return
	}

	span.SetRequestBytes(len(body))
	span.SetRequestAnalysis(analyzeRequest(body))

	upReq := upstream.Request{
		Method:   r.Method,
		Path:     path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header,
		Body:     body,
	}

	// The teammate pipeline never touches the thinking registry (§4.9): no
	// BeginRequest, no register/filter calls, so C5's state is unaffected.
	rt.dispatchTeammate(w, r.Context(), upReq, span, reqID)
}

// filterThinking parses body as JSON (only if Content-Type looks JSON-ish
// or is empty),
// runs the session's filter pass, and re-serialises on change. A parse
// failure passes the original bytes through untouched.
func (rt *Router) filterThinking(body []byte, contentType string, session thinking.Session) []byte {
	if !strings.Contains(contentType, "json") && contentType != "" {
		return body
	}
	if len(body) == 0 {
		return body
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body
	}

	removed := session.FilterMessages(parsed)
	if removed == 0 {
		return body
	}

	out, err := json.Marshal(parsed)
	if err != nil {
		rt.log.Warnf("router: re-serialising filtered body failed: %v", err)
		return body
	}
	return out
}

// applyThinkingCompat rewrites an adaptive-thinking request shape into the
// standard `thinking.enabled = true` form when the resolved backend has
// ThinkingCompat set. This is a pure function of the body; it never touches
// the thinking registry.
func (rt *Router) applyThinkingCompat(body []byte, backendID string) []byte {
	b, ok := rt.state.ConfigSnapshot().ByID(backendID)
	if !ok || !b.ThinkingCompat {
		return body
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body
	}
	if _, hasAdaptive := parsed["adaptive_thinking"]; !hasAdaptive {
		return body
	}
	delete(parsed, "adaptive_thinking")
	parsed["thinking"] = map[string]interface{}{"enabled": true}
	out, err := json.Marshal(parsed)
	if err != nil {
		return body
	}
	return out
}

// dispatch forwards upReq and relays the response to w, registering
// thinking content from the response and finalising the span.
func (rt *Router) dispatch(w http.ResponseWriter, ctx context.Context, upReq upstream.Request, span *observability.Span, session thinking.Session, reqID, backendID string) {
	resp, backendCfg, err := rt.client.Forward(ctx, upReq, backendID, rt.state, rt.idleTimeout())
	if err != nil {
		rt.handleForwardError(w, span, err, reqID)
		return
	}

	if resp.IsStream {
		rt.relayStream(w, resp, span, session, backendCfg.Pricing)
		return
	}

	analysisBody := upstream.DecompressForAnalysis(resp.Body, resp.Header.Get("Content-Encoding"))
	session.RegisterFromResponseBody(analysisBody)
	rt.checkSchemaDrift(backendID, resp.StatusCode, analysisBody)
	span.SetResponseBytes(len(resp.Body))
	span.SetResponseAnalysis(analyzeResponse(analysisBody, backendCfg.Pricing))

	copyResponseHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
	rt.hub.FinishRequest(span, resp.StatusCode)
}

// checkSchemaDrift logs (never blocks on) any shape mismatch between a
// successful buffered response and backendID's learned baseline.
func (rt *Router) checkSchemaDrift(backendID string, status int, body []byte) {
	if rt.schemas == nil || status < 200 || status >= 300 {
		return
	}
	if mismatches := rt.schemas.Observe(backendID, body); len(mismatches) > 0 {
		rt.log.Warnf("backend %q: %s", backendID, schema.FormatMismatches(mismatches))
	}
}

// dispatchTeammate is dispatch without any thinking-registry interaction.
func (rt *Router) dispatchTeammate(w http.ResponseWriter, ctx context.Context, upReq upstream.Request, span *observability.Span, reqID string) {
	resp, backendCfg, err := rt.client.Forward(ctx, upReq, rt.teammateTo, rt.state, rt.idleTimeout())
	if err != nil {
		rt.handleForwardError(w, span, err, reqID)
		return
	}
	if resp.IsStream {
		defer resp.Stream.Close()
		copyResponseHeaders(w, resp.Header)
		w.WriteHeader(resp.StatusCode)
		flusher, _ := w.(http.Flusher)
		buf := make([]byte, 32*1024)
		total := 0
		for {
			n, rerr := resp.Stream.Read(buf)
			if n > 0 {
				total += n
				_, _ = w.Write(buf[:n])
				if flusher != nil {
					flusher.Flush()
				}
			}
			if rerr != nil {
				break
			}
		}
		span.SetResponseBytes(total)
		rt.hub.FinishRequest(span, resp.StatusCode)
		return
	}
	analysisBody := upstream.DecompressForAnalysis(resp.Body, resp.Header.Get("Content-Encoding"))
	span.SetResponseBytes(len(resp.Body))
	span.SetResponseAnalysis(analyzeResponse(analysisBody, backendCfg.Pricing))
	copyResponseHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
	rt.hub.FinishRequest(span, resp.StatusCode)
}

// relayStream wraps resp.Stream in the observed-stream decorator, streaming
// chunks to w as they arrive and registering thinking content from the
// accumulated SSE bytes once the stream ends cleanly.
func (rt *Router) relayStream(w http.ResponseWriter, resp *upstream.Response, span *observability.Span, session thinking.Session, pricing *config.Pricing) {
	copyResponseHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	finalized := false
	var obs *stream.Observed
	obs = stream.New(resp.Stream, rt.idleTimeout().IdleStreamTimeout(), func(full []byte) {
		session.RegisterFromSSE(full)
		span.SetResponseAnalysis(analyzeResponseSSE(full, pricing))
	}, func(timedOut bool) {
		if finalized {
			return
		}
		finalized = true
		span.SetResponseBytes(int(obs.ByteCount()))
		status := resp.StatusCode
		if timedOut {
			rt.hub.FinishError(span, http.StatusGatewayTimeout, true)
		} else {
			rt.hub.FinishRequest(span, status)
		}
	})
	defer obs.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := obs.Read(buf)
		if n > 0 {
			obs.CaptureChunk(buf[:n])
			_, _ = w.Write(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}
}

// handleForwardError maps a upstream.ForwardError to the JSON error body
// and status code described in §6/§7.
func (rt *Router) handleForwardError(w http.ResponseWriter, span *observability.Span, err error, reqID string) {
	fe, ok := err.(*upstream.ForwardError)
	if !ok {
		rt.writeError(w, span, http.StatusInternalServerError, "internal_error", err.Error(), reqID)
		return
	}
	switch fe.Kind {
	case upstream.ErrKindConnection:
		rt.writeError(w, span, http.StatusBadGateway, "connection_error", fe.Error(), reqID)
	case upstream.ErrKindRequestTimeout:
		rt.hub.FinishError(span, http.StatusGatewayTimeout, true)
		writeErrorBody(w, http.StatusGatewayTimeout, "request_timeout", fe.Error(), reqID)
	case upstream.ErrKindBackendState:
		rt.writeError(w, span, http.StatusBadGateway, "backend_not_configured", fe.Error(), reqID)
	default:
		rt.writeError(w, span, http.StatusInternalServerError, "internal_error", fe.Error(), reqID)
	}
}

func (rt *Router) writeError(w http.ResponseWriter, span *observability.Span, status int, kind, message, reqID string) {
	rt.hub.FinishError(span, status, false)
	writeErrorBody(w, status, kind, message, reqID)
}

func writeErrorBody(w http.ResponseWriter, status int, kind, message, reqID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]interface{}{
		"error": map[string]string{"type": kind, "message": message, "request_id": reqID},
	}
	_ = json.NewEncoder(w).Encode(body)
}

// copyResponseHeaders copies headers from an upstream response onto w,
// dropping hop-by-hop headers (the inverse rebuild of the request side).
func copyResponseHeaders(w http.ResponseWriter, h http.Header) {
	for k, values := range h {
		canon := http.CanonicalHeaderKey(k)
		switch canon {
		case "Connection", "Keep-Alive", "Transfer-Encoding":
			continue
		}
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
}

