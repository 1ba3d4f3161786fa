package enforce

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/marcus-qen/jurisdiction/internal/gateway/audit"
	"github.com/marcus-qen/jurisdiction/internal/gateway/auth"
	"github.com/marcus-qen/jurisdiction/internal/gateway/config"
	"github.com/marcus-qen/jurisdiction/internal/gateway/policy"
	"github.com/marcus-qen/jurisdiction/internal/gateway/registry"
)

type stubLookup struct {
	servers map[string]*registry.Server
}

func (s *stubLookup) LookupByCanonicalID(_ context.Context, canonicalID string) (*registry.Server, error) {
	srv, ok := s.servers[canonicalID]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return srv, nil
}

type captureRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureRecorder) Record(ev audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureRecorder) last(t *testing.T) audit.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		t.Fatal("no audit event recorded")
	}
	return c.events[len(c.events)-1]
}

type echoDownstream struct {
	called bool
	body   string
}

func (e *echoDownstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.called = true
	data, _ := io.ReadAll(r.Body)
	e.body = string(data)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func testConfig(mode config.EnforcementMode) *config.Config {
	cfg := config.Default()
	cfg.Enabled = true
	cfg.EnforcementMode = mode
	cfg.Policy.EnforceRegistryOnly = true
	cfg.Policy.MaxRequestPayloadBytes = 1 << 20
	return &cfg
}

func approvedRegistry() *stubLookup {
	risk := 0.2
	return &stubLookup{servers: map[string]*registry.Server{
		"team-a/weather": {
			CanonicalID:     "team-a/weather",
			Status:          registry.StatusApproved,
			LatestRiskScore: &risk,
		},
	}}
}

func newTestMiddleware(t *testing.T, mode config.EnforcementMode, lookup policy.ServerLookup) (*Middleware, *captureRecorder) {
	t.Helper()
	cfg := testConfig(mode)
	engine := policy.NewEngine(policy.Compile(cfg.Policy), lookup, nil, nil)
	recorder := &captureRecorder{}
	return NewMiddleware(engine, recorder, cfg, nil, nil), recorder
}

func toolCallRequest(path, tool string) *http.Request {
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"` + tool + `","arguments":{"city":"Oslo"}}}`
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func asPrincipal(r *http.Request, p auth.Principal) *http.Request {
	return r.WithContext(auth.WithPrincipal(r.Context(), p))
}

func TestAllowedCallForwardsWithBodyIntact(t *testing.T) {
	mw, recorder := newTestMiddleware(t, config.ModeEnforce, approvedRegistry())
	downstream := &echoDownstream{}
	handler := mw.Wrap(downstream)

	req := asPrincipal(toolCallRequest("/adapters/team-a/weather/mcp", "forecast"),
		auth.Principal{ID: "alice", Email: "alice@corp.internal", Team: "team-a"})
	req.Header.Set("User-Agent", "mcp-client/1.0")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !downstream.called {
		t.Fatalf("code=%d called=%v", rec.Code, downstream.called)
	}
	if !strings.Contains(downstream.body, `"city":"Oslo"`) {
		t.Fatalf("body not replayed downstream: %s", downstream.body)
	}

	ev := recorder.last(t)
	if ev.Decision != audit.DecisionAllowed || ev.Tool != "forecast" ||
		ev.ServerCanonicalID != "team-a/weather" || ev.Actor != "alice" {
		t.Fatalf("event: %+v", ev)
	}
	if ev.LatencyMs == nil {
		t.Error("event must carry decision latency")
	}
	if ev.ActorEmail != "alice@corp.internal" || ev.UserAgent != "mcp-client/1.0" {
		t.Errorf("caller context: %+v", ev)
	}
	if ev.SourceIP == "" {
		t.Error("event must carry the source address")
	}
	if ev.RequestSize == nil || *ev.RequestSize == 0 {
		t.Errorf("request size: %v", ev.RequestSize)
	}
	if ev.ResponseSize == nil || *ev.ResponseSize != int64(len(`{"ok":true}`)) {
		t.Errorf("response size: %v", ev.ResponseSize)
	}
	if ev.ServerRiskScore == nil || *ev.ServerRiskScore != 0.2 {
		t.Errorf("risk score: %v", ev.ServerRiskScore)
	}
}

func TestDeniedCallBlockedInEnforceMode(t *testing.T) {
	mw, recorder := newTestMiddleware(t, config.ModeEnforce, &stubLookup{})
	downstream := &echoDownstream{}
	handler := mw.Wrap(downstream)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, asPrincipal(
		toolCallRequest("/adapters/shadow/server/mcp", "forecast"),
		auth.Principal{ID: "alice", Team: "team-a"}))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("code: %d", rec.Code)
	}
	if downstream.called {
		t.Fatal("denied request must not reach downstream")
	}
	if !strings.Contains(rec.Body.String(), "DeniedServerNotApproved") {
		t.Fatalf("denial body: %s", rec.Body)
	}
	if ev := recorder.last(t); ev.Decision != audit.DecisionDeniedServerNotApproved {
		t.Fatalf("event: %+v", ev)
	}
}

func TestDeniedCallForwardedInAuditMode(t *testing.T) {
	mw, recorder := newTestMiddleware(t, config.ModeAudit, &stubLookup{})
	downstream := &echoDownstream{}
	handler := mw.Wrap(downstream)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, asPrincipal(
		toolCallRequest("/adapters/shadow/server/mcp", "forecast"),
		auth.Principal{ID: "alice"}))

	if rec.Code != http.StatusOK || !downstream.called {
		t.Fatalf("audit mode must forward: code=%d called=%v", rec.Code, downstream.called)
	}
	// The would-deny decision is still recorded.
	if ev := recorder.last(t); ev.Decision != audit.DecisionDeniedServerNotApproved {
		t.Fatalf("event: %+v", ev)
	}
}

func TestAnonymousPrincipalDefault(t *testing.T) {
	mw, recorder := newTestMiddleware(t, config.ModeAudit, approvedRegistry())
	handler := mw.Wrap(&echoDownstream{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, toolCallRequest("/adapters/team-a/weather/mcp", "forecast"))

	if ev := recorder.last(t); ev.Actor != "anonymous" {
		t.Fatalf("actor: %q", ev.Actor)
	}
}

func TestNonEnforcedPathBypasses(t *testing.T) {
	mw, recorder := newTestMiddleware(t, config.ModeEnforce, &stubLookup{})
	downstream := &echoDownstream{}
	handler := mw.Wrap(downstream)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if !downstream.called {
		t.Fatal("non-enforced path must pass through")
	}
	if len(recorder.events) != 0 {
		t.Fatal("bypass must not audit")
	}
}

func TestDisabledGatewayBypasses(t *testing.T) {
	cfg := testConfig(config.ModeEnforce)
	cfg.Enabled = false
	engine := policy.NewEngine(policy.Compile(cfg.Policy), &stubLookup{}, nil, nil)
	mw := NewMiddleware(engine, nil, cfg, nil, nil)
	downstream := &echoDownstream{}

	rec := httptest.NewRecorder()
	mw.Wrap(downstream).ServeHTTP(rec,
		toolCallRequest("/adapters/shadow/server/mcp", "forecast"))

	if !downstream.called {
		t.Fatal("disabled gateway must pass everything through")
	}
}

func TestUnrecognizableRequestBypasses(t *testing.T) {
	mw, recorder := newTestMiddleware(t, config.ModeEnforce, &stubLookup{})
	downstream := &echoDownstream{}
	handler := mw.Wrap(downstream)

	// Enforced suffix but no adapters segment and a non-JSON body.
	req := httptest.NewRequest(http.MethodPost, "/proxy/mcp", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !downstream.called {
		t.Fatal("unrecognizable request must bypass enforcement")
	}
	if len(recorder.events) != 0 {
		t.Fatal("bypass must not audit")
	}
}

func TestOversizedPayloadDenied(t *testing.T) {
	cfg := testConfig(config.ModeEnforce)
	cfg.Policy.MaxRequestPayloadBytes = 16
	engine := policy.NewEngine(policy.Compile(cfg.Policy), approvedRegistry(), nil, nil)
	recorder := &captureRecorder{}
	mw := NewMiddleware(engine, recorder, cfg, nil, nil)
	downstream := &echoDownstream{}

	rec := httptest.NewRecorder()
	mw.Wrap(downstream).ServeHTTP(rec,
		toolCallRequest("/adapters/team-a/weather/mcp", "forecast"))

	if rec.Code != http.StatusForbidden || downstream.called {
		t.Fatalf("oversized payload: code=%d called=%v", rec.Code, downstream.called)
	}
	if ev := recorder.last(t); ev.Decision != audit.DecisionDeniedPayloadTooLarge {
		t.Fatalf("event: %+v", ev)
	}
}

func TestRateLimitedUserDenied(t *testing.T) {
	cfg := testConfig(config.ModeEnforce)
	cfg.Policy.RateLimitPerUser = 2
	engine := policy.NewEngine(policy.Compile(cfg.Policy), approvedRegistry(), nil, nil)
	recorder := &captureRecorder{}
	mw := NewMiddleware(engine, recorder, cfg, nil, nil)
	downstream := &echoDownstream{}
	handler := mw.Wrap(downstream)

	alice := auth.Principal{ID: "alice", Team: "team-a"}
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, asPrincipal(
			toolCallRequest("/adapters/team-a/weather/mcp", "forecast"), alice))
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d: code=%d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, asPrincipal(
		toolCallRequest("/adapters/team-a/weather/mcp", "forecast"), alice))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("third call: code=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "DeniedRateLimited") {
		t.Fatalf("denial body: %s", rec.Body)
	}
	if ev := recorder.last(t); ev.Decision != audit.DecisionDeniedRateLimited {
		t.Fatalf("event: %+v", ev)
	}

	// A different user is unaffected.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, asPrincipal(
		toolCallRequest("/adapters/team-a/weather/mcp", "forecast"),
		auth.Principal{ID: "bob", Team: "team-a"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("other user: code=%d", rec.Code)
	}
}

func TestRateLimitedTeamDenied(t *testing.T) {
	cfg := testConfig(config.ModeEnforce)
	cfg.Policy.RateLimitPerTeam = 1
	engine := policy.NewEngine(policy.Compile(cfg.Policy), approvedRegistry(), nil, nil)
	recorder := &captureRecorder{}
	handler := NewMiddleware(engine, recorder, cfg, nil, nil).Wrap(&echoDownstream{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, asPrincipal(
		toolCallRequest("/adapters/team-a/weather/mcp", "forecast"),
		auth.Principal{ID: "alice", Team: "team-a"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("first call: code=%d", rec.Code)
	}

	// A teammate hits the shared team budget.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, asPrincipal(
		toolCallRequest("/adapters/team-a/weather/mcp", "forecast"),
		auth.Principal{ID: "bob", Team: "team-a"}))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("teammate call: code=%d", rec.Code)
	}
	if ev := recorder.last(t); ev.Decision != audit.DecisionDeniedRateLimited {
		t.Fatalf("event: %+v", ev)
	}
}

func TestForwardAppliesConfiguredTimeout(t *testing.T) {
	cfg := testConfig(config.ModeEnforce)
	cfg.Policy.DefaultTimeoutMs = 5000
	engine := policy.NewEngine(policy.Compile(cfg.Policy), approvedRegistry(), nil, nil)
	mw := NewMiddleware(engine, &captureRecorder{}, cfg, nil, nil)

	var sawDeadline bool
	downstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawDeadline = r.Context().Deadline()
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	mw.Wrap(downstream).ServeHTTP(rec, asPrincipal(
		toolCallRequest("/adapters/team-a/weather/mcp", "forecast"),
		auth.Principal{ID: "alice", Team: "team-a"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("code: %d", rec.Code)
	}
	if !sawDeadline {
		t.Fatal("downstream context must carry the forwarding deadline")
	}
}

func TestResponseCappedAtConfiguredBytes(t *testing.T) {
	cfg := testConfig(config.ModeEnforce)
	cfg.Policy.MaxResponsePayloadBytes = 8
	engine := policy.NewEngine(policy.Compile(cfg.Policy), approvedRegistry(), nil, nil)
	recorder := &captureRecorder{}
	mw := NewMiddleware(engine, recorder, cfg, nil, nil)

	downstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("twenty bytes of body"))
	})

	rec := httptest.NewRecorder()
	mw.Wrap(downstream).ServeHTTP(rec, asPrincipal(
		toolCallRequest("/adapters/team-a/weather/mcp", "forecast"),
		auth.Principal{ID: "alice", Team: "team-a"}))

	if got := rec.Body.String(); got != "twenty b" {
		t.Fatalf("body past the cap reached the client: %q", got)
	}
	ev := recorder.last(t)
	if ev.ResponseSize == nil || *ev.ResponseSize != 8 {
		t.Fatalf("response size: %v", ev.ResponseSize)
	}
}

func TestMethodFallbackWhenNotToolsCall(t *testing.T) {
	mw, recorder := newTestMiddleware(t, config.ModeAudit, approvedRegistry())
	handler := mw.Wrap(&echoDownstream{})

	body := `{"jsonrpc":"2.0","id":2,"method":"resources/list"}`
	req := httptest.NewRequest(http.MethodPost, "/adapters/team-a/weather/mcp",
		strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if ev := recorder.last(t); ev.Tool != "resources/list" {
		t.Fatalf("tool: %q", ev.Tool)
	}
}

func TestServerFromPath(t *testing.T) {
	cases := map[string]string{
		"/adapters/team-a/weather/mcp":   "team-a/weather",
		"/adapters/weather/mcp":          "weather",
		"/adapters/weather/tools/call":   "weather",
		"/gateway/adapters/x/y/mcp":      "x/y",
		"/adapters/solo":                 "solo",
		"/no-adapters-here/mcp":          "",
	}
	for path, want := range cases {
		if got := serverFromPath(path); got != want {
			t.Errorf("serverFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}
