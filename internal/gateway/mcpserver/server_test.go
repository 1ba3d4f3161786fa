package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/jurisdiction/internal/gateway/audit"
	"github.com/marcus-qen/jurisdiction/internal/gateway/auth"
	"github.com/marcus-qen/jurisdiction/internal/gateway/config"
	"github.com/marcus-qen/jurisdiction/internal/gateway/policy"
	"github.com/marcus-qen/jurisdiction/internal/gateway/registry"
)

var (
	adminPrincipal  = auth.Principal{ID: "root", Team: "platform", Roles: []string{"admin"}}
	memberPrincipal = auth.Principal{ID: "alice", Team: "team-a"}
)

func newTestService(t *testing.T) (*Service, *registry.Service, *audit.MemoryStore) {
	t.Helper()
	store := registry.NewMemoryStore()
	reg := registry.NewService(store, 0.5, nil, nil, nil)

	cfg := config.Default().Policy
	engine := policy.NewEngine(policy.Compile(cfg), reg, nil, nil)

	audits := audit.NewMemoryStore()
	return NewService(reg, engine, audits, nil), reg, audits
}

// connect wires a client session to a per-principal server over in-memory
// transports.
func connect(t *testing.T, svc *Service, p auth.Principal) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()

	server := svc.NewServer(p)
	t1, t2 := mcpsdk.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, t1, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "test-client", Version: "v0.0.1"},
		nil,
	)
	clientSession, err := client.Connect(ctx, t2, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = clientSession.Close() })
	return clientSession
}

func callTool(t *testing.T, session *mcpsdk.ClientSession, name string, args map[string]any) *mcpsdk.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	return result
}

func textOf(t *testing.T, result *mcpsdk.CallToolResult) string {
	t.Helper()
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func seedServer(t *testing.T, reg *registry.Service) *registry.Server {
	t.Helper()
	srv, err := reg.Register(context.Background(), memberPrincipal, registry.RegisterInput{
		CanonicalID: "team-a/weather",
		Name:        "Weather",
		SourceType:  registry.SourceInternalRepo,
		SourceURL:   "https://git.internal/weather",
	})
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

func TestToolDiscovery(t *testing.T) {
	svc, _, _ := newTestService(t)
	session := connect(t, svc, memberPrincipal)

	result, err := session.ListTools(context.Background(), &mcpsdk.ListToolsParams{})
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"governance.list_servers",
		"governance.get_server",
		"governance.policy_check",
		"governance.query_audit",
	} {
		if !names[want] {
			t.Errorf("missing tool %s (got %v)", want, names)
		}
	}
}

func TestListAndGetServers(t *testing.T) {
	svc, reg, _ := newTestService(t)
	seedServer(t, reg)
	session := connect(t, svc, memberPrincipal)

	result := callTool(t, session, "governance.list_servers", nil)
	if result.IsError {
		t.Fatalf("list_servers errored: %s", textOf(t, result))
	}
	var servers []registry.Server
	if err := json.Unmarshal([]byte(textOf(t, result)), &servers); err != nil {
		t.Fatal(err)
	}
	if len(servers) != 1 || servers[0].CanonicalID != "team-a/weather" {
		t.Fatalf("servers: %+v", servers)
	}

	result = callTool(t, session, "governance.get_server", map[string]any{"id": "team-a/weather"})
	if result.IsError {
		t.Fatalf("get_server errored: %s", textOf(t, result))
	}
	if !strings.Contains(textOf(t, result), `"team-a/weather"`) {
		t.Fatalf("get_server output: %s", textOf(t, result))
	}
}

func TestListServersRejectsBadStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	session := connect(t, svc, memberPrincipal)

	result := callTool(t, session, "governance.list_servers", map[string]any{"status": "Bogus"})
	if !result.IsError {
		t.Fatal("expected tool error for unknown status")
	}
}

func TestPolicyCheckDryRun(t *testing.T) {
	svc, reg, audits := newTestService(t)
	seedServer(t, reg)
	session := connect(t, svc, memberPrincipal)

	// Server exists but is Draft, so the check must come back denied.
	result := callTool(t, session, "governance.policy_check", map[string]any{
		"server": "team-a/weather",
		"tool":   "forecast",
	})
	if result.IsError {
		t.Fatalf("policy_check errored: %s", textOf(t, result))
	}
	var verdict struct {
		DecisionName string `json:"decisionName"`
		Allowed      bool   `json:"allowed"`
	}
	if err := json.Unmarshal([]byte(textOf(t, result)), &verdict); err != nil {
		t.Fatal(err)
	}
	if verdict.Allowed || verdict.DecisionName != "DeniedServerNotApproved" {
		t.Fatalf("verdict: %+v", verdict)
	}
	if audits.Len() != 0 {
		t.Fatal("dry-run checks must not write audit events")
	}
}

func TestQueryAuditRequiresAdmin(t *testing.T) {
	svc, _, audits := newTestService(t)
	if err := audits.Insert(context.Background(), &audit.Event{
		EventType: audit.EventToolCall,
		Decision:  audit.DecisionDeniedToolDenylisted,
		Actor:     "mallory",
	}); err != nil {
		t.Fatal(err)
	}

	member := connect(t, svc, memberPrincipal)
	result := callTool(t, member, "governance.query_audit", nil)
	if !result.IsError {
		t.Fatal("non-admin audit query must be rejected")
	}

	admin := connect(t, svc, adminPrincipal)
	result = callTool(t, admin, "governance.query_audit", map[string]any{"actor": "mallory"})
	if result.IsError {
		t.Fatalf("admin query errored: %s", textOf(t, result))
	}
	var page struct {
		Total  int64         `json:"total"`
		Events []audit.Event `json:"events"`
	}
	if err := json.Unmarshal([]byte(textOf(t, result)), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || len(page.Events) != 1 {
		t.Fatalf("page: %+v", page)
	}
}
