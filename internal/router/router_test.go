package router_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/firasghr/anyclaude-proxy/internal/backend"
	"github.com/firasghr/anyclaude-proxy/internal/config"
	"github.com/firasghr/anyclaude-proxy/internal/observability"
	"github.com/firasghr/anyclaude-proxy/internal/router"
	"github.com/firasghr/anyclaude-proxy/internal/thinking"
	"github.com/firasghr/anyclaude-proxy/internal/upstream"
	"github.com/firasghr/anyclaude-proxy/logger"
)

func newTestRouter(t *testing.T, backendURLs map[string]string, teammate string) (*router.Router, *backend.State) {
	rt, st, _ := newTestRouterWithHub(t, backendURLs, teammate)
	return rt, st
}

func newTestRouterWithHub(t *testing.T, backendURLs map[string]string, teammate string) (*router.Router, *backend.State, *observability.Hub) {
	t.Helper()
	var backends []config.Backend
	var active string
	// Sorted so the alphabetically first id is the initial active backend.
	ids := make([]string, 0, len(backendURLs))
	for id := range backendURLs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		url := backendURLs[id]
		backends = append(backends, config.Backend{ID: id, BaseURL: url, Auth: config.AuthNone, Pricing: &config.Pricing{InputPerMillionUSD: 3, OutputPerMillionUSD: 15}})
		if active == "" {
			active = id
		}
	}
	cfg := config.Config{Defaults: config.Defaults{Active: active, RequestTimeoutSeconds: 5, IdleStreamTimeoutSeconds: 5}, Backends: backends}
	st, err := backend.FromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	registry := thinking.NewRegistry(time.Minute)
	hub := observability.NewHub()
	client := upstream.New(cfg.Defaults)
	log := logger.New(logger.LevelError)

	rt := router.New(st, registry, hub, client, log, nil, teammate, func() config.Defaults { return cfg.Defaults })
	return rt, st, hub
}

func TestHealthEndpoint(t *testing.T) {
	rt, _ := newTestRouter(t, map[string]string{"a": "http://unused"}, "")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"healthy"`) {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestMainPipeline_ForwardsToActiveBackend(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	rt, _ := newTestRouter(t, map[string]string{"alpha": srv.URL}, "")
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"messages":[]}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if gotPath != "/v1/messages" {
		t.Errorf("expected path forwarded unchanged, got %q", gotPath)
	}
}

func TestMainPipeline_RecordsRequestAndResponseAnalysis(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"stop_reason":"end_turn","usage":{"input_tokens":100,"output_tokens":40}}`))
	}))
	defer srv.Close()

	rt, _, hub := newTestRouterWithHub(t, map[string]string{"alpha": srv.URL}, "")
	reqBody := `{"model":"claude-3-opus-20240229","messages":[{"role":"user","content":"hi there"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	recs := hub.RecentRecords("")
	if len(recs) != 1 {
		t.Fatalf("expected exactly one recorded request, got %d", len(recs))
	}
	rec := recs[0]
	if rec.RequestBytes != len(reqBody) {
		t.Errorf("expected request bytes %d, got %d", len(reqBody), rec.RequestBytes)
	}
	if rec.Request == nil || rec.Request.Model != "claude-3-opus-20240229" {
		t.Fatalf("expected request analysis with model recorded, got %+v", rec.Request)
	}
	if rec.Response == nil || rec.Response.StopReason != "end_turn" {
		t.Fatalf("expected response analysis with stop_reason recorded, got %+v", rec.Response)
	}
	if rec.Response.InputTokens != 100 || rec.Response.OutputTokens != 40 {
		t.Errorf("unexpected token counts: %+v", rec.Response)
	}
	wantCost := 100.0/1e6*3 + 40.0/1e6*15
	if rec.Response.CostUSD != wantCost {
		t.Errorf("expected cost %.6f, got %.6f", wantCost, rec.Response.CostUSD)
	}
	if rec.ResponseBytes == 0 {
		t.Error("expected a non-zero response byte count")
	}
}

func TestTeammatePipeline_StripsPrefixAndForcesBackend(t *testing.T) {
	var gotPath string
	helper := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("ok"))
	}))
	defer helper.Close()
	mainSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("main backend should never be hit for a teammate request")
	}))
	defer mainSrv.Close()

	rt, _ := newTestRouter(t, map[string]string{"alpha": mainSrv.URL, "helper": helper.URL}, "helper")
	req := httptest.NewRequest(http.MethodPost, "/teammate/v1/messages", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotPath != "/v1/messages" {
		t.Errorf("expected /teammate prefix stripped, got %q", gotPath)
	}
}

func TestTeammatePath_BareSegmentFallsThroughTo404(t *testing.T) {
	mainSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer mainSrv.Close()

	rt, _ := newTestRouter(t, map[string]string{"alpha": mainSrv.URL}, "helper")
	req := httptest.NewRequest(http.MethodGet, "/teammate", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)
	// a bare "/teammate" must fall through to the main pipeline (and thus
	// hit mainSrv, which answers 404), not be treated as a teammate match.
	if w.Code != 404 {
		t.Errorf("expected the bare /teammate path to fall through, got %d", w.Code)
	}
}

func TestTeammatesPathIsNotATeammateMatch(t *testing.T) {
	var hitMain bool
	mainSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitMain = true
		w.Write([]byte("ok"))
	}))
	defer mainSrv.Close()

	rt, _ := newTestRouter(t, map[string]string{"alpha": mainSrv.URL}, "helper")
	req := httptest.NewRequest(http.MethodGet, "/teammates/x", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	if !hitMain {
		t.Error("/teammates (partial-segment) should fall through to the main pipeline")
	}
}

func TestMainPipeline_ConnectionErrorReturns502(t *testing.T) {
	rt, _ := newTestRouter(t, map[string]string{"alpha": "http://127.0.0.1:1"}, "")
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "connection_error") {
		t.Errorf("expected connection_error in body, got %s", w.Body.String())
	}
}

func TestMainPipeline_SSEStreamIsRelayed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(200)
		w.Write([]byte("data: {\"type\":\"message_start\"}\n\n"))
	}))
	defer srv.Close()

	rt, _ := newTestRouter(t, map[string]string{"alpha": srv.URL}, "")
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "message_start") {
		t.Errorf("expected SSE body relayed, got %q", w.Body.String())
	}
}

func TestMainPipeline_SwitchMidFlightDoesNotBreakInFlightRequest(t *testing.T) {
	// Scenario 1 (simplified, synchronous): request A resolves its backend
	// before a switch happens, so it should still complete against alpha
	// even if SwitchBackend runs before alpha's handler returns.
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("from-alpha"))
	}))
	defer srv.Close()
	beta := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from-beta"))
	}))
	defer beta.Close()

	rt, st := newTestRouter(t, map[string]string{"alpha": srv.URL, "beta": beta.URL}, "")

	done := make(chan string, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
		w := httptest.NewRecorder()
		rt.ServeHTTP(w, req)
		done <- w.Body.String()
	}()

	time.Sleep(20 * time.Millisecond)
	if err := st.SwitchBackend("beta"); err != nil {
		t.Fatal(err)
	}
	close(release)

	body := <-done
	if body != "from-alpha" {
		t.Errorf("in-flight request should still complete against alpha, got %q", body)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	w2 := httptest.NewRecorder()
	rt.ServeHTTP(w2, req2)
	if w2.Body.String() != "from-beta" {
		t.Errorf("a request issued after the switch should go to beta, got %q", w2.Body.String())
	}
}

var _ = io.EOF
