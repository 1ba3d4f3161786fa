package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/marcus-qen/jurisdiction/internal/gateway/audit"
	"github.com/marcus-qen/jurisdiction/internal/gateway/auth"
	"github.com/marcus-qen/jurisdiction/internal/gateway/enforce"
	"github.com/marcus-qen/jurisdiction/internal/gateway/httpx"
	"github.com/marcus-qen/jurisdiction/internal/gateway/registry"
	"github.com/marcus-qen/jurisdiction/internal/gateway/scan"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + version + metrics
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", s.metricsHandler())

	// Registry API
	registry.NewHandlers(s.registryService, s.logger).Mount(mux)

	// Audit API
	audit.NewHandlers(s.auditStore, s.logger).Mount(mux)

	// Scan cancellation needs the reconciler to reclaim the workload.
	if s.reconciler != nil {
		scan.NewHandlers(s.reconciler, s.registryStore, s.logger).Mount(mux)
	}

	// Policy snapshot reload (admin)
	mux.HandleFunc("POST /registry/policy/reload", s.handlePolicyReload)

	// Governance surface over MCP
	mux.Handle("/mcp", s.mcpService.Handler())
	mux.Handle("/mcp/", s.mcpService.Handler())

	// Enforced proxy to the downstream MCP adapters. Everything under
	// /adapters/ passes through the policy middleware.
	proxy, err := s.downstreamProxy()
	if err != nil {
		s.logger.Error("downstream proxy misconfigured, adapters disabled", zap.Error(err))
		return
	}
	middleware := enforce.NewMiddleware(s.engine, s.recorder, &s.cfg, s.logger, s.metrics)
	mux.Handle("/adapters/", middleware.Wrap(proxy))
}

// handlePolicyReload swaps the engine's policy snapshot. The body overlays
// the currently-loaded policy section, so a partial document only changes
// the keys it names.
func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !p.IsAdmin() {
		httpx.WriteError(w, http.StatusForbidden, "policy reload requires the admin role")
		return
	}

	cfg := s.cfg.Policy
	if r.ContentLength != 0 {
		if err := httpx.Decode(r, &cfg); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "%s", err.Error())
			return
		}
	}
	if cfg.RiskThreshold < 0 || cfg.RiskThreshold > 1 ||
		cfg.ScanPassThreshold < 0 || cfg.ScanPassThreshold > 1 {
		httpx.WriteError(w, http.StatusBadRequest, "thresholds must be in [0,1]")
		return
	}

	s.cfg.Policy = cfg
	s.Reload(cfg)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	})
}
