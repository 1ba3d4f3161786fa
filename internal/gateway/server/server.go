// Package server wires together all gateway subsystems and exposes the
// HTTP server. main() builds a Server, calls Run, done.
package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"

	"github.com/marcus-qen/jurisdiction/internal/gateway/artifact"
	"github.com/marcus-qen/jurisdiction/internal/gateway/audit"
	"github.com/marcus-qen/jurisdiction/internal/gateway/auth"
	"github.com/marcus-qen/jurisdiction/internal/gateway/config"
	"github.com/marcus-qen/jurisdiction/internal/gateway/mcpserver"
	"github.com/marcus-qen/jurisdiction/internal/gateway/metrics"
	"github.com/marcus-qen/jurisdiction/internal/gateway/policy"
	"github.com/marcus-qen/jurisdiction/internal/gateway/registry"
	"github.com/marcus-qen/jurisdiction/internal/gateway/scan"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Server is the assembled gateway.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	// Core subsystems
	registryService *registry.Service
	engine          *policy.Engine
	recorder        *audit.Recorder
	mcpService      *mcpserver.Service

	// Persistence (nil stores mean the in-memory fallback is active)
	registryStore    registry.Store
	registryPostgres *registry.PostgresStore
	auditStore       audit.Store
	auditPostgres    *audit.PostgresStore

	// Scanning (nil when no cluster client was provided)
	orchestrator *scan.Orchestrator
	reconciler   *scan.Reconciler

	// Observability
	promReg *prometheus.Registry
	metrics *metrics.Metrics

	// HTTP
	httpServer *http.Server
}

// New builds a fully-wired Server from config. kubeClient may be nil, which
// disables in-cluster scanning (local scan uploads still work).
func New(cfg config.Config, kubeClient kubernetes.Interface, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	s.promReg = prometheus.NewRegistry()
	s.metrics = metrics.New(s.promReg)

	s.initRegistryStore()
	s.initAuditStore()
	s.metrics.RegisterRegistryGauges(
		s.serverCountGauge(registry.StatusApproved),
		s.scanCountGauge(registry.ScanPending, registry.ScanRunning),
	)

	s.recorder = audit.NewRecorder(s.auditStore, 0, logger, s.metrics)
	s.registryService = registry.NewService(
		s.registryStore, cfg.Policy.ScanPassThreshold, logger, s.recorder, s.metrics)
	s.engine = policy.NewEngine(policy.Compile(cfg.Policy), s.registryService, logger, s.metrics)
	s.mcpService = mcpserver.NewService(s.registryService, s.engine, s.auditStore, logger)

	if kubeClient != nil {
		s.initScanning(kubeClient)
	} else {
		s.logger.Warn("no cluster client, scan jobs disabled")
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	authMiddleware := auth.NewMiddleware(cfg.Auth.TrustedHeaders, s.keyStore(), []string{
		"/healthz",
		"/version",
		"/metrics",
		"/adapters/*",
	})

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      authMiddleware.Wrap(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.reconciler != nil {
		go func() {
			if err := s.reconciler.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scan reconciler stopped", zap.Error(err))
			}
		}()
	}

	s.logger.Info("starting governance gateway",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.String("mode", string(s.cfg.EnforcementMode)),
		zap.Bool("enabled", s.cfg.Enabled),
		zap.Bool("registry_persistent", s.registryPostgres != nil),
		zap.Bool("audit_persistent", s.auditPostgres != nil),
		zap.Bool("scanning", s.reconciler != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Close releases all resources. The recorder drains before the audit store
// goes away.
func (s *Server) Close() {
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.logger.Warn("audit recorder close", zap.Error(err))
		}
	}
	if s.auditPostgres != nil {
		_ = s.auditPostgres.Close()
	}
	if s.registryPostgres != nil {
		_ = s.registryPostgres.Close()
	}
}

// ── Init helpers ─────────────────────────────────────────────

func (s *Server) initRegistryStore() {
	if s.cfg.PostgresConnection == "" {
		s.logger.Warn("no postgres connection configured, registry will be in-memory only")
		s.registryStore = registry.NewMemoryStore()
		return
	}
	store, err := registry.NewPostgresStore(context.Background(), s.cfg.PostgresConnection, s.logger)
	if err != nil {
		s.logger.Warn("cannot open registry database, falling back to in-memory", zap.Error(err))
		s.registryStore = registry.NewMemoryStore()
		return
	}
	s.registryPostgres = store
	s.registryStore = store
	s.logger.Info("registry store opened")
}

func (s *Server) initAuditStore() {
	if s.cfg.PostgresConnection == "" {
		s.logger.Warn("no postgres connection configured, audit log will be in-memory only")
		s.auditStore = audit.NewMemoryStore()
		return
	}
	store, err := audit.NewPostgresStore(context.Background(), s.cfg.PostgresConnection, s.logger)
	if err != nil {
		s.logger.Warn("cannot open audit database, falling back to in-memory", zap.Error(err))
		s.auditStore = audit.NewMemoryStore()
		return
	}
	s.auditPostgres = store
	s.auditStore = store
	s.logger.Info("audit store opened")
}

func (s *Server) initScanning(kubeClient kubernetes.Interface) {
	s.orchestrator = scan.NewOrchestrator(
		kubeClient, s.registryStore, s.cfg.Scanner, s.logger, s.metrics)
	s.orchestrator.SetResolver(artifact.NewORASResolver(false, s.logger))
	s.registryService.SetLauncher(s.orchestrator)

	s.reconciler = scan.NewReconciler(
		kubeClient, s.registryStore, s.cfg.Scanner,
		s.cfg.Policy.ScanPassThreshold, s.logger, s.metrics)
	s.logger.Info("scan orchestration initialized",
		zap.String("namespace", s.cfg.Scanner.JobNamespace),
		zap.String("schedule", s.cfg.Scanner.ReconcileSchedule))
}

// serverCountGauge counts servers in a status at scrape time.
func (s *Server) serverCountGauge(status registry.ServerStatus) func() float64 {
	return func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		servers, err := s.registryStore.ListServersByStatus(ctx, status)
		if err != nil {
			return 0
		}
		return float64(len(servers))
	}
}

// scanCountGauge counts scans across the given statuses at scrape time.
func (s *Server) scanCountGauge(statuses ...registry.ScanStatus) func() float64 {
	return func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var total int
		for _, status := range statuses {
			scans, err := s.registryStore.ListScansByStatus(ctx, status)
			if err != nil {
				continue
			}
			total += len(scans)
		}
		return float64(total)
	}
}

func (s *Server) keyStore() *auth.KeyStore {
	if !s.cfg.Auth.LocalKeys {
		return nil
	}
	return auth.NewKeyStore()
}

// Reload swaps the policy snapshot without restarting. In-flight decisions
// finish against the snapshot they started with.
func (s *Server) Reload(cfg config.PolicyConfig) {
	s.engine.Reload(policy.Compile(cfg))
	s.logger.Info("policy snapshot reloaded")
}

// downstreamProxy builds the reverse proxy the enforcement middleware guards.
func (s *Server) downstreamProxy() (http.Handler, error) {
	if s.cfg.Downstream == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"no downstream configured"}`, http.StatusBadGateway)
		}), nil
	}
	target, err := url.Parse(s.cfg.Downstream)
	if err != nil {
		return nil, fmt.Errorf("parse downstream url: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Error("downstream proxy error",
			zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, `{"error":"upstream unavailable"}`, http.StatusBadGateway)
	}
	return proxy, nil
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})
}
