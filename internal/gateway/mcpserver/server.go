// Package mcpserver exposes the gateway's governance surface as an MCP
// server, so agents and IDE clients can query the registry, dry-run policy
// decisions, and inspect audit history over the same protocol they already
// speak.
//
// Tool names are namespaced "governance.*" to keep them apart from the
// proxied upstream tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/marcus-qen/jurisdiction/internal/gateway/audit"
	"github.com/marcus-qen/jurisdiction/internal/gateway/auth"
	"github.com/marcus-qen/jurisdiction/internal/gateway/policy"
	"github.com/marcus-qen/jurisdiction/internal/gateway/registry"
)

const serverVersion = "0.1.0"

// Service builds per-connection MCP servers bound to the caller's principal.
type Service struct {
	registry *registry.Service
	engine   *policy.Engine
	audits   audit.Store
	logger   *zap.Logger
}

// NewService wires the governance tools. audits may be nil, which hides
// the audit query tool.
func NewService(reg *registry.Service, engine *policy.Engine, audits audit.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: reg,
		engine:   engine,
		audits:   audits,
		logger:   logger.Named("mcpserver"),
	}
}

// Handler returns the HTTP SSE transport handler. The principal established
// by the auth middleware is captured per connection, so each session's tools
// act with the caller's identity.
func (s *Service) Handler() http.Handler {
	return mcpsdk.NewSSEHandler(func(r *http.Request) *mcpsdk.Server {
		p, _ := auth.FromContext(r.Context())
		return s.NewServer(p)
	}, nil)
}

// NewServer builds an MCP server whose tools act as the given principal.
func (s *Service) NewServer(p auth.Principal) *mcpsdk.Server {
	server := mcpsdk.NewServer(
		&mcpsdk.Implementation{Name: "mcp-gateway", Version: serverVersion},
		nil,
	)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "governance.list_servers",
		Description: "List MCP servers in the registry, optionally filtered by status or owner team.",
	}, s.listServers(p))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "governance.get_server",
		Description: "Fetch one registry entry by UUID or canonical id, with its latest scan verdict.",
	}, s.getServer(p))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "governance.policy_check",
		Description: "Dry-run the policy decision for a server/tool pair as the calling principal. Nothing is proxied or audited.",
	}, s.policyCheck(p))

	if s.audits != nil {
		mcpsdk.AddTool(server, &mcpsdk.Tool{
			Name:        "governance.query_audit",
			Description: "Query recent audit events (admin only).",
		}, s.queryAudit(p))
	}

	return server
}

type listServersArgs struct {
	Status string `json:"status,omitempty"`
	Team   string `json:"team,omitempty"`
}

func (s *Service) listServers(p auth.Principal) func(context.Context, *mcpsdk.CallToolRequest, listServersArgs) (*mcpsdk.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, args listServersArgs) (*mcpsdk.CallToolResult, any, error) {
		filter := registry.ListFilter{Team: args.Team}
		if args.Status != "" {
			status, err := registry.ParseServerStatus(args.Status)
			if err != nil {
				return toolError(err.Error()), nil, nil
			}
			filter.Status = &status
		}
		servers, err := s.registry.List(ctx, p, filter)
		if err != nil {
			return toolError(err.Error()), nil, nil
		}
		return toolJSON(servers)
	}
}

type getServerArgs struct {
	ID string `json:"id"`
}

func (s *Service) getServer(p auth.Principal) func(context.Context, *mcpsdk.CallToolRequest, getServerArgs) (*mcpsdk.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, args getServerArgs) (*mcpsdk.CallToolResult, any, error) {
		if args.ID == "" {
			return toolError("id is required"), nil, nil
		}
		srv, err := s.registry.Get(ctx, p, args.ID)
		if err != nil {
			return toolError(err.Error()), nil, nil
		}
		return toolJSON(srv)
	}
}

type policyCheckArgs struct {
	Server string `json:"server"`
	Tool   string `json:"tool"`
}

func (s *Service) policyCheck(p auth.Principal) func(context.Context, *mcpsdk.CallToolRequest, policyCheckArgs) (*mcpsdk.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, args policyCheckArgs) (*mcpsdk.CallToolResult, any, error) {
		if args.Server == "" || args.Tool == "" {
			return toolError("server and tool are required"), nil, nil
		}
		verdict := s.engine.Decide(ctx, p, args.Server, args.Tool)
		return toolJSON(struct {
			policy.Verdict
			DecisionName string `json:"decisionName"`
			Allowed      bool   `json:"allowed"`
		}{verdict, verdict.Decision.String(), verdict.Allowed()})
	}
}

type queryAuditArgs struct {
	EventType string `json:"eventType,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Server    string `json:"server,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func (s *Service) queryAudit(p auth.Principal) func(context.Context, *mcpsdk.CallToolRequest, queryAuditArgs) (*mcpsdk.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, args queryAuditArgs) (*mcpsdk.CallToolResult, any, error) {
		if !p.IsAdmin() {
			return toolError("audit queries require the admin role"), nil, nil
		}
		filter := audit.Filter{
			EventType:         args.EventType,
			Actor:             args.Actor,
			ServerCanonicalID: args.Server,
			Tool:              args.Tool,
			Limit:             args.Limit,
		}
		if args.Decision != "" {
			d, err := audit.ParseDecision(args.Decision)
			if err != nil {
				return toolError(err.Error()), nil, nil
			}
			filter.Decision = &d
		}
		events, total, err := s.audits.Query(ctx, filter)
		if err != nil {
			return toolError(err.Error()), nil, nil
		}
		return toolJSON(struct {
			Total  int64         `json:"total"`
			Events []audit.Event `json:"events"`
		}{total, events})
	}
}

func toolJSON(v any) (*mcpsdk.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode tool result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, nil, nil
}

func toolError(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
	}
}
