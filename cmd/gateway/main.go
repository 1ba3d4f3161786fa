// MCP governance gateway — registry, scanning, policy enforcement, audit.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/marcus-qen/jurisdiction/internal/gateway/config"
	"github.com/marcus-qen/jurisdiction/internal/gateway/server"
	"github.com/marcus-qen/jurisdiction/internal/gateway/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("MCPJD_CONFIG"), "path to config file (JSON or YAML)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("mcp-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	kubeClient := buildKubeClient(logger)

	server.Version = version
	server.Commit = commit
	server.Date = date

	srv, err := server.New(cfg, kubeClient, logger)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func buildLogger(level string) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zapCfg.Level = lvl
	}
	logger, err := zapCfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// buildKubeClient tries in-cluster config first, then the local kubeconfig.
// Returns nil when neither works; the gateway runs with scanning disabled.
func buildKubeClient(logger *zap.Logger) kubernetes.Interface {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			if home, herr := os.UserHomeDir(); herr == nil {
				kubeconfig = filepath.Join(home, ".kube", "config")
			}
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			logger.Warn("no kubernetes config available, scan jobs disabled", zap.Error(err))
			return nil
		}
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		logger.Warn("failed to create kubernetes clientset, scan jobs disabled", zap.Error(err))
		return nil
	}
	return client
}
