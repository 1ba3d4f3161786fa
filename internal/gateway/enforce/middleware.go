// Package enforce is the HTTP adapter between proxied MCP traffic and the
// policy engine: it extracts the server and tool from the request, asks for
// a verdict, and either forwards or blocks.
package enforce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/marcus-qen/jurisdiction/internal/gateway/audit"
	"github.com/marcus-qen/jurisdiction/internal/gateway/auth"
	"github.com/marcus-qen/jurisdiction/internal/gateway/config"
	"github.com/marcus-qen/jurisdiction/internal/gateway/httpx"
	"github.com/marcus-qen/jurisdiction/internal/gateway/metrics"
	"github.com/marcus-qen/jurisdiction/internal/gateway/policy"
)

// maxBodyPeek bounds how much of the body is buffered to find the tool
// name. The remainder streams through untouched.
const maxBodyPeek = 64 << 10

// Recorder receives the audit event for each enforced call. Must not block.
type Recorder interface {
	Record(audit.Event)
}

// DenialBody is the structured 403 payload.
type DenialBody struct {
	Error             string `json:"error"`
	Reason            string `json:"reason"`
	Decision          string `json:"decision"`
	ServerCanonicalID string `json:"serverCanonicalId"`
	ToolName          string `json:"toolName"`
	TraceID           string `json:"traceId,omitempty"`
}

// Middleware enforces policy on proxied MCP traffic.
type Middleware struct {
	engine           *policy.Engine
	recorder         Recorder
	enabled          bool
	mode             config.EnforcementMode
	maxPayloadBytes  int64
	maxResponseBytes int64
	timeout          time.Duration
	limits           *limiter
	logger           *zap.Logger
	metrics          *metrics.Metrics
}

// NewMiddleware builds the adapter. recorder and m may be nil.
func NewMiddleware(engine *policy.Engine, recorder Recorder, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		engine:           engine,
		recorder:         recorder,
		enabled:          cfg.Enabled,
		mode:             cfg.EnforcementMode,
		maxPayloadBytes:  cfg.Policy.MaxRequestPayloadBytes,
		maxResponseBytes: cfg.Policy.MaxResponsePayloadBytes,
		timeout:          time.Duration(cfg.Policy.DefaultTimeoutMs) * time.Millisecond,
		limits:           newLimiter(cfg.Policy.RateLimitPerUser, cfg.Policy.RateLimitPerTeam),
		logger:           logger.Named("enforce"),
		metrics:          m,
	}
}

// EnforcedPath reports whether the adapter guards this path.
func EnforcedPath(path string) bool {
	return strings.Contains(path, "/adapters/") ||
		strings.Contains(path, "/tools/") ||
		strings.HasSuffix(path, "/mcp")
}

// Wrap returns next guarded by policy enforcement.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled || !EnforcedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		server := serverFromPath(r.URL.Path)
		tool, ok := m.extractTool(r)
		if server == "" && !ok {
			// Nothing recognizable to evaluate; stay out of the way.
			m.logger.Debug("enforcement bypassed, unrecognized request shape",
				zap.String("path", r.URL.Path))
			next.ServeHTTP(w, r)
			return
		}

		p, _ := auth.FromContext(r.Context())
		if p.ID == "" {
			p.ID = "anonymous"
		}

		start := time.Now()
		var verdict policy.Verdict
		if m.maxPayloadBytes > 0 && r.ContentLength > m.maxPayloadBytes {
			verdict = policy.Verdict{
				Decision: audit.DecisionDeniedPayloadTooLarge,
				Reason:   "request payload exceeds the configured limit",
			}
		} else if ok, reason := m.limits.allow(p.ID, p.Team); !ok {
			verdict = policy.Verdict{
				Decision: audit.DecisionDeniedRateLimited,
				Reason:   reason,
			}
		} else {
			verdict = m.engine.Decide(r.Context(), p, server, tool)
		}
		latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

		traceID := ""
		if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}

		ev := m.newEvent(r, p, server, tool, verdict, latencyMs, traceID)
		if m.metrics != nil {
			m.metrics.ToolCalls.WithLabelValues(server, tool, p.Team, verdict.Decision.String()).Inc()
		}

		switch {
		case verdict.Decision == audit.DecisionError && m.mode == config.ModeEnforce:
			m.count("error")
			m.record(ev)
			httpx.WriteError(w, http.StatusInternalServerError,
				"policy evaluation failed (trace %s)", traceID)
		case verdict.Allowed() || m.mode == config.ModeAudit:
			if verdict.Allowed() {
				m.count("allowed")
			} else {
				m.count("shadow-denied")
			}
			m.forward(w, r, next, ev)
		default:
			m.count("denied")
			m.record(ev)
			m.logger.Info("tool call denied",
				zap.String("server", server),
				zap.String("tool", tool),
				zap.String("actor", p.ID),
				zap.String("decision", verdict.Decision.String()))
			httpx.WriteJSON(w, http.StatusForbidden, DenialBody{
				Error:             "request denied by policy",
				Reason:            verdict.Reason,
				Decision:          verdict.Decision.String(),
				ServerCanonicalID: server,
				ToolName:          tool,
				TraceID:           traceID,
			})
		}
	})
}

// forward proxies the call downstream under the configured timeout, then
// finishes the audit event with the observed response size.
func (m *Middleware) forward(w http.ResponseWriter, r *http.Request, next http.Handler, ev *audit.Event) {
	if m.timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), m.timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}
	cw := &countingWriter{ResponseWriter: w, limit: m.maxResponseBytes}

	start := time.Now()
	next.ServeHTTP(cw, r)
	if m.metrics != nil {
		m.metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	}
	if cw.truncated {
		m.logger.Warn("downstream response truncated at configured cap",
			zap.String("server", ev.ServerCanonicalID),
			zap.Int64("limit", m.maxResponseBytes))
	}

	written := cw.written
	ev.ResponseSize = &written
	m.record(ev)
}

func (m *Middleware) count(outcome string) {
	if m.metrics != nil {
		m.metrics.ProxiedRequests.WithLabelValues(string(m.mode), outcome).Inc()
	}
}

func (m *Middleware) newEvent(r *http.Request, p auth.Principal, server, tool string, verdict policy.Verdict, latencyMs float64, traceID string) *audit.Event {
	ev := &audit.Event{
		EventType:         audit.EventToolCall,
		Decision:          verdict.Decision,
		Actor:             p.ID,
		ActorEmail:        p.Email,
		ActorTeam:         p.Team,
		ServerCanonicalID: server,
		Tool:              tool,
		Reason:            verdict.Reason,
		SourceIP:          clientIP(r),
		UserAgent:         r.UserAgent(),
		ServerRiskScore:   verdict.ServerRiskScore,
		LatencyMs:         &latencyMs,
		TraceID:           traceID,
	}
	if r.ContentLength >= 0 {
		size := r.ContentLength
		ev.RequestSize = &size
	}
	return ev
}

func (m *Middleware) record(ev *audit.Event) {
	if m.recorder == nil {
		return
	}
	m.recorder.Record(*ev)
}

// countingWriter counts the bytes a downstream handler writes and stops
// writing past the configured cap.
type countingWriter struct {
	http.ResponseWriter
	written   int64
	limit     int64
	truncated bool
}

func (c *countingWriter) Write(b []byte) (int, error) {
	if c.limit > 0 {
		remaining := c.limit - c.written
		if remaining <= 0 {
			c.truncated = true
			return 0, fmt.Errorf("response exceeds the %d byte cap", c.limit)
		}
		if int64(len(b)) > remaining {
			c.truncated = true
			n, err := c.ResponseWriter.Write(b[:remaining])
			c.written += int64(n)
			if err != nil {
				return n, err
			}
			return n, fmt.Errorf("response exceeds the %d byte cap", c.limit)
		}
	}
	n, err := c.ResponseWriter.Write(b)
	c.written += int64(n)
	return n, err
}

// clientIP takes the first X-Forwarded-For hop when the gateway sits
// behind a proxy, falling back to the connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// serverFromPath pulls the canonical id out of an adapter path:
// /adapters/<canonical-id>/mcp, where the id itself may contain slashes.
func serverFromPath(path string) string {
	idx := strings.Index(path, "/adapters/")
	if idx < 0 {
		return ""
	}
	rest := path[idx+len("/adapters/"):]
	for _, marker := range []string{"/mcp", "/tools"} {
		if i := strings.Index(rest, marker); i >= 0 {
			rest = rest[:i]
		}
	}
	return strings.Trim(rest, "/")
}

// rpcEnvelope is the slice of a JSON-RPC body the adapter cares about.
type rpcEnvelope struct {
	Method string `json:"method"`
	Params struct {
		Name string `json:"name"`
	} `json:"params"`
}

// extractTool peeks at a bounded prefix of the body and restores it for
// downstream. Returns the tool name and whether one was found.
func (m *Middleware) extractTool(r *http.Request) (string, bool) {
	if r.Body == nil || r.ContentLength == 0 {
		return "", false
	}

	prefix := make([]byte, maxBodyPeek)
	n, err := io.ReadFull(r.Body, prefix)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", false
	}
	prefix = prefix[:n]
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(prefix), r.Body), r.Body}

	var envelope rpcEnvelope
	if err := json.Unmarshal(prefix, &envelope); err != nil {
		return "", false
	}
	if envelope.Method == "tools/call" && envelope.Params.Name != "" {
		return envelope.Params.Name, true
	}
	if envelope.Method != "" {
		return envelope.Method, true
	}
	return "", false
}
