package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/marcus-qen/jurisdiction/internal/gateway/auth"
	"github.com/marcus-qen/jurisdiction/internal/gateway/config"
	"github.com/marcus-qen/jurisdiction/internal/gateway/registry"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.PostgresConnection = "" // in-memory stores
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func asUser(req *http.Request, subject, team string, roles ...string) *http.Request {
	req.Header.Set(auth.HeaderSubject, subject)
	req.Header.Set(auth.HeaderTeam, team)
	if len(roles) > 0 {
		req.Header.Set(auth.HeaderRoles, strings.Join(roles, ","))
	}
	return req
}

func TestHealthzAndVersionOpen(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/healthz", "/version"} {
		rec := httptest.NewRecorder()
		s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: %d", path, rec.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestRegistryRequiresAuth(t *testing.T) {
	s := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/registry/servers", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRegisterServerEndToEnd(t *testing.T) {
	s := newTestServer(t, nil)

	body := `{"canonicalId":"team-a/weather","name":"Weather","sourceType":"InternalRepo",` +
		`"sourceUrl":"https://git.internal/weather"}`
	req := asUser(httptest.NewRequest(http.MethodPost, "/registry/servers", strings.NewReader(body)),
		"alice", "team-a")
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body)
	}

	var created registry.Server
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.CanonicalID != "team-a/weather" || created.Status != registry.StatusDraft {
		t.Fatalf("created: %+v", created)
	}

	// The creator can read it back through the same stack.
	rec = httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, asUser(
		httptest.NewRequest(http.MethodGet, "/registry/servers/"+created.ID, nil),
		"alice", "team-a"))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body)
	}
}

func TestAdapterPathEnforced(t *testing.T) {
	s := newTestServer(t, nil)

	// Unregistered server, enforce mode: the proxy must block before any
	// downstream dial.
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"exec"}}`
	req := asUser(httptest.NewRequest(http.MethodPost, "/adapters/shadow/server/mcp",
		strings.NewReader(body)), "alice", "team-a")

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "DeniedServerNotApproved") {
		t.Fatalf("body: %s", rec.Body)
	}
}

func TestAdapterPathAuditModePassesThrough(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.EnforcementMode = config.ModeAudit
	})

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"exec"}}`
	req := httptest.NewRequest(http.MethodPost, "/adapters/shadow/server/mcp",
		strings.NewReader(body))

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	// No downstream is configured, so the shadow-forwarded request lands on
	// the 502 fallback rather than a policy denial.
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 fallback, got %d: %s", rec.Code, rec.Body)
	}
}

func TestAuditEndpointAdminOnly(t *testing.T) {
	s := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, asUser(
		httptest.NewRequest(http.MethodGet, "/audit/events", nil), "alice", "team-a"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("member query: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, asUser(
		httptest.NewRequest(http.MethodGet, "/audit/events", nil), "root", "platform", "admin"))
	if rec.Code != http.StatusOK {
		t.Fatalf("admin query: %d %s", rec.Code, rec.Body)
	}
}

func TestPolicyReloadEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	// Overlay disables the registry gate and blocks one tool, so the new
	// denylist is what fires on the proxy path.
	overlay := `{"enforce_registry_only":false,"global_tool_denylist":["exec"]}`

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, asUser(
		httptest.NewRequest(http.MethodPost, "/registry/policy/reload",
			strings.NewReader(overlay)), "alice", "team-a"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin reload: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, asUser(
		httptest.NewRequest(http.MethodPost, "/registry/policy/reload",
			strings.NewReader(overlay)), "root", "platform", "admin"))
	if rec.Code != http.StatusOK {
		t.Fatalf("admin reload: %d %s", rec.Code, rec.Body)
	}

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"exec"}}`
	req := httptest.NewRequest(http.MethodPost, "/adapters/team-a/weather/mcp",
		strings.NewReader(body))

	rec = httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "DeniedToolDenylisted") {
		t.Fatalf("body: %s", rec.Body)
	}
}
