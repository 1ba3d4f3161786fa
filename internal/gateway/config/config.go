// Package config provides configuration loading for the governance gateway.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnforcementMode controls whether policy denials block traffic or only log.
type EnforcementMode string

const (
	ModeAudit   EnforcementMode = "audit"
	ModeEnforce EnforcementMode = "enforce"
)

// Config holds all gateway configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// Enforcement master switch. When false the proxy middleware is a no-op.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// EnforcementMode: "audit" logs would-deny decisions, "enforce" blocks.
	EnforcementMode EnforcementMode `json:"enforcement_mode" yaml:"enforcement_mode"`

	// PostgresConnection is the database connection string.
	PostgresConnection string `json:"postgres_connection" yaml:"postgres_connection"`

	// Downstream is the base URL the enforcement middleware forwards to.
	Downstream string `json:"downstream,omitempty" yaml:"downstream,omitempty"`

	Scanner ScannerConfig `json:"scanner" yaml:"scanner"`
	Policy  PolicyConfig  `json:"policy" yaml:"policy"`
	Auth    AuthConfig    `json:"auth" yaml:"auth"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level" yaml:"log_level"`

	// OTLP trace collector endpoint; tracing disabled when empty.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`
}

// ScannerConfig controls how scan workloads run on the cluster.
type ScannerConfig struct {
	Image                   string `json:"image" yaml:"image"`
	TimeoutSeconds          int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	Retries                 int    `json:"retries" yaml:"retries"`
	JobNamespace            string `json:"job_namespace" yaml:"job_namespace"`
	JobServiceAccount       string `json:"job_service_account" yaml:"job_service_account"`
	CPURequest              string `json:"cpu_request" yaml:"cpu_request"`
	CPULimit                string `json:"cpu_limit" yaml:"cpu_limit"`
	MemoryRequest           string `json:"memory_request" yaml:"memory_request"`
	MemoryLimit             string `json:"memory_limit" yaml:"memory_limit"`
	TTLSecondsAfterFinished int    `json:"ttl_seconds_after_finished" yaml:"ttl_seconds_after_finished"`
	EnableDynamicTesting    bool   `json:"enable_dynamic_testing" yaml:"enable_dynamic_testing"`
	AnalysisAPIURL          string `json:"analysis_api_url,omitempty" yaml:"analysis_api_url,omitempty"`

	// ReconcileSchedule is either a Go duration ("15s") or a cron expression.
	ReconcileSchedule string `json:"reconcile_schedule" yaml:"reconcile_schedule"`
}

// PolicyConfig is the reloadable policy section consumed by the decision engine.
type PolicyConfig struct {
	GlobalToolDenylist      []string            `json:"global_tool_denylist" yaml:"global_tool_denylist"`
	DeniedToolCategories    []string            `json:"denied_tool_categories" yaml:"denied_tool_categories"`
	TeamAllowlists          map[string][]string `json:"team_allowlists" yaml:"team_allowlists"`
	TeamDenylists           map[string][]string `json:"team_denylists" yaml:"team_denylists"`
	RateLimitPerUser        int                 `json:"rate_limit_per_user" yaml:"rate_limit_per_user"`
	RateLimitPerTeam        int                 `json:"rate_limit_per_team" yaml:"rate_limit_per_team"`
	DefaultTimeoutMs        int                 `json:"default_timeout_ms" yaml:"default_timeout_ms"`
	MaxRequestPayloadBytes  int64               `json:"max_request_payload_bytes" yaml:"max_request_payload_bytes"`
	MaxResponsePayloadBytes int64               `json:"max_response_payload_bytes" yaml:"max_response_payload_bytes"`
	RiskThreshold           float64             `json:"risk_threshold" yaml:"risk_threshold"`
	ScanPassThreshold       float64             `json:"scan_pass_threshold" yaml:"scan_pass_threshold"`
	RequireAdminForHighRisk bool                `json:"require_admin_for_high_risk" yaml:"require_admin_for_high_risk"`
	EnforceRegistryOnly     bool                `json:"enforce_registry_only" yaml:"enforce_registry_only"`
	BypassAllowedPrincipals []string            `json:"bypass_allowed_principals" yaml:"bypass_allowed_principals"`
}

// AuthConfig selects how inbound principals are established.
type AuthConfig struct {
	// TrustedHeaders accepts pre-validated identity headers from an upstream
	// proxy (X-Auth-Subject, X-Auth-Email, X-Auth-Team, X-Auth-Roles).
	TrustedHeaders bool `json:"trusted_headers" yaml:"trusted_headers"`

	// LocalKeys enables the bcrypt-hashed API key store for dev deployments.
	LocalKeys bool `json:"local_keys" yaml:"local_keys"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		Enabled:         true,
		EnforcementMode: ModeEnforce,
		LogLevel:        "info",
		Scanner: ScannerConfig{
			Image:                   "ghcr.io/marcus-qen/mcp-scanner:latest",
			TimeoutSeconds:          300,
			Retries:                 0,
			JobNamespace:            "mcp-scans",
			JobServiceAccount:       "mcp-scanner",
			CPURequest:              "100m",
			CPULimit:                "500m",
			MemoryRequest:           "128Mi",
			MemoryLimit:             "512Mi",
			TTLSecondsAfterFinished: 3600,
			ReconcileSchedule:       "15s",
		},
		Policy: PolicyConfig{
			DefaultTimeoutMs:        30000,
			MaxRequestPayloadBytes:  4 << 20,
			MaxResponsePayloadBytes: 16 << 20,
			RiskThreshold:           0.7,
			ScanPassThreshold:       0.5,
			RequireAdminForHighRisk: true,
			EnforceRegistryOnly:     true,
		},
		Auth: AuthConfig{TrustedHeaders: true},
	}
}

// Load reads configuration from a file (JSON or YAML by extension),
// then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		} else {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MCPJD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MCPJD_ENABLED"); v != "" {
		cfg.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("MCPJD_ENFORCEMENT_MODE"); v != "" {
		cfg.EnforcementMode = EnforcementMode(strings.ToLower(v))
	}
	if v := os.Getenv("MCPJD_POSTGRES"); v != "" {
		cfg.PostgresConnection = v
	}
	if v := os.Getenv("MCPJD_DOWNSTREAM"); v != "" {
		cfg.Downstream = v
	}
	if v := os.Getenv("MCPJD_SCANNER_IMAGE"); v != "" {
		cfg.Scanner.Image = v
	}
	if v := os.Getenv("MCPJD_SCANNER_NAMESPACE"); v != "" {
		cfg.Scanner.JobNamespace = v
	}
	if v := os.Getenv("MCPJD_SCANNER_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scanner.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("MCPJD_SCAN_PASS_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Policy.ScanPassThreshold = f
		}
	}
	if v := os.Getenv("MCPJD_RISK_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Policy.RiskThreshold = f
		}
	}
	if v := os.Getenv("MCPJD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MCPJD_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c Config) Validate() error {
	switch c.EnforcementMode {
	case ModeAudit, ModeEnforce:
	default:
		return fmt.Errorf("invalid enforcement_mode %q (want audit or enforce)", c.EnforcementMode)
	}
	if c.Policy.ScanPassThreshold < 0 || c.Policy.ScanPassThreshold > 1 {
		return fmt.Errorf("scan_pass_threshold %v out of range [0,1]", c.Policy.ScanPassThreshold)
	}
	if c.Policy.RiskThreshold < 0 || c.Policy.RiskThreshold > 1 {
		return fmt.Errorf("risk_threshold %v out of range [0,1]", c.Policy.RiskThreshold)
	}
	if c.Scanner.TimeoutSeconds <= 0 {
		return fmt.Errorf("scanner timeout_seconds must be > 0")
	}
	return nil
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
