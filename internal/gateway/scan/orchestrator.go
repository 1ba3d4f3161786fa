// Package scan runs security scans as one-shot Kubernetes Jobs and
// reconciles their outcomes back into the registry.
package scan

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/marcus-qen/jurisdiction/internal/gateway/artifact"
	"github.com/marcus-qen/jurisdiction/internal/gateway/config"
	"github.com/marcus-qen/jurisdiction/internal/gateway/metrics"
	"github.com/marcus-qen/jurisdiction/internal/gateway/registry"
)

const (
	jobNamePrefix = "mcp-scan-"
	maxJobName    = 63

	// LabelScanID carries the scan uuid on the job and its pods.
	LabelScanID = "jurisdiction.mcp/scan-id"
	// AnnotationServer carries the canonical id, which is not label-safe.
	AnnotationServer = "jurisdiction.mcp/server"

	envScanTarget = "SCAN_TARGET"
	envScanID     = "SCAN_ID"
)

// JobName derives the deterministic workload name for a scan.
func JobName(scanID string) string {
	name := jobNamePrefix + strings.ToLower(scanID)
	if len(name) > maxJobName {
		name = name[:maxJobName]
	}
	return strings.TrimRight(name, "-")
}

// target is the descriptor handed to the scanner container, base64-encoded
// JSON in SCAN_TARGET.
type target struct {
	CanonicalID    string          `json:"canonicalId"`
	SourceType     string          `json:"sourceType"`
	SourceURL      string          `json:"sourceUrl,omitempty"`
	Version        string          `json:"version,omitempty"`
	TestEndpoint   string          `json:"testEndpoint,omitempty"`
	MCPConfig      json.RawMessage `json:"mcpConfig,omitempty"`
	DeclaredTools  []string        `json:"declaredTools,omitempty"`
	AnalysisAPIURL string          `json:"analysisApiUrl,omitempty"`
}

// Orchestrator launches scan jobs. It satisfies the registry's
// ScanLauncher interface.
type Orchestrator struct {
	client   kubernetes.Interface
	store    registry.Store
	cfg      config.ScannerConfig
	resolver artifact.Resolver
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewOrchestrator builds a launcher over the given cluster client.
func NewOrchestrator(client kubernetes.Interface, store registry.Store, cfg config.ScannerConfig, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		client:  client,
		store:   store,
		cfg:     cfg,
		logger:  logger.Named("scan-orchestrator"),
		metrics: m,
	}
}

// SetResolver wires an artifact resolver. Container-image and
// package-artifact sources get their reference pinned to a digest before
// the job launches, so the verdict stays bound to the scanned bytes even
// if the tag moves.
func (o *Orchestrator) SetResolver(r artifact.Resolver) { o.resolver = r }

// Launch submits the scan job. On success the scan goes Running and the
// server Scanning; on submission failure the scan is Failed and the server
// ScannedFail. Errors surface through the store, not the return path.
func (o *Orchestrator) Launch(ctx context.Context, srv *registry.Server, scan *registry.Scan) {
	job, err := o.buildJob(ctx, srv, scan)
	if err == nil {
		_, err = o.client.BatchV1().Jobs(o.cfg.JobNamespace).Create(ctx, job, metav1.CreateOptions{})
	}
	if err != nil {
		o.logger.Error("scan job submission failed",
			zap.String("scanId", scan.ID),
			zap.String("server", srv.CanonicalID),
			zap.Error(err))
		o.failSubmission(ctx, srv, scan, err)
		return
	}

	if err := o.store.MarkScanRunning(ctx, scan.ID, job.Name); err != nil {
		o.logger.Error("mark scan running failed",
			zap.String("scanId", scan.ID), zap.Error(err))
		return
	}
	if o.metrics != nil {
		o.metrics.ScanJobsLaunched.Inc()
	}
	o.logger.Info("scan job launched",
		zap.String("scanId", scan.ID),
		zap.String("job", job.Name),
		zap.String("server", srv.CanonicalID))
}

func (o *Orchestrator) failSubmission(ctx context.Context, srv *registry.Server, scan *registry.Scan, cause error) {
	now := metav1.Now().Time.UTC()
	scan.Status = registry.ScanFailed
	scan.ErrorMessage = fmt.Sprintf("job submission: %v", cause)
	scan.FinishedAt = &now
	if err := o.store.RecordScanCompletion(ctx, srv.ID, scan, registry.StatusScannedFail, nil); err != nil {
		o.logger.Error("record submission failure failed",
			zap.String("scanId", scan.ID), zap.Error(err))
	}
	if o.metrics != nil {
		o.metrics.ScansCompleted.WithLabelValues("error").Inc()
	}
}

// scannerArgs picks the container command for a source type.
func scannerArgs(srv *registry.Server, cfg config.ScannerConfig) ([]string, error) {
	var args []string
	switch srv.SourceType {
	case registry.SourceExternalRepo, registry.SourceInternalRepo:
		args = []string{"scan", "repo", "--shallow"}
	case registry.SourceContainerImage, registry.SourcePackageArtifact:
		args = []string{"scan", "artifact"}
	case registry.SourceLocalDeclared:
		return nil, fmt.Errorf("local servers are not scannable in-cluster")
	default:
		return nil, fmt.Errorf("unknown source type %d", int(srv.SourceType))
	}
	if cfg.EnableDynamicTesting && srv.TestEndpoint != "" {
		args = append(args, "--dynamic-endpoint", srv.TestEndpoint)
	}
	return args, nil
}

func (o *Orchestrator) buildJob(ctx context.Context, srv *registry.Server, scan *registry.Scan) (*batchv1.Job, error) {
	args, err := scannerArgs(srv, o.cfg)
	if err != nil {
		return nil, err
	}

	sourceURL := srv.SourceURL
	pinnable := srv.SourceType == registry.SourceContainerImage ||
		srv.SourceType == registry.SourcePackageArtifact
	if pinnable && o.resolver != nil {
		pinned, err := o.resolver.Pin(ctx, sourceURL)
		if err != nil {
			return nil, fmt.Errorf("pin artifact %q: %w", sourceURL, err)
		}
		sourceURL = pinned
	}

	descriptor, err := json.Marshal(target{
		CanonicalID:    srv.CanonicalID,
		SourceType:     srv.SourceType.String(),
		SourceURL:      sourceURL,
		Version:        srv.Version,
		TestEndpoint:   srv.TestEndpoint,
		MCPConfig:      srv.MCPConfig,
		DeclaredTools:  srv.DeclaredTools,
		AnalysisAPIURL: o.cfg.AnalysisAPIURL,
	})
	if err != nil {
		return nil, fmt.Errorf("encode scan target: %w", err)
	}

	backoffLimit := int32(o.cfg.Retries)
	ttl := int32(o.cfg.TTLSecondsAfterFinished)
	deadline := int64(o.cfg.TimeoutSeconds)
	runAsNonRoot := true
	readOnlyRoot := true
	noEscalation := false

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        JobName(scan.ID),
			Namespace:   o.cfg.JobNamespace,
			Labels:      map[string]string{LabelScanID: scan.ID},
			Annotations: map[string]string{AnnotationServer: srv.CanonicalID},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			ActiveDeadlineSeconds:   &deadline,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      map[string]string{LabelScanID: scan.ID},
					Annotations: map[string]string{AnnotationServer: srv.CanonicalID},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: o.cfg.JobServiceAccount,
					Containers: []corev1.Container{{
						Name:  "scanner",
						Image: o.cfg.Image,
						Args:  args,
						Env: []corev1.EnvVar{
							{Name: envScanTarget, Value: base64.StdEncoding.EncodeToString(descriptor)},
							{Name: envScanID, Value: scan.ID},
						},
						Resources: o.resources(),
						SecurityContext: &corev1.SecurityContext{
							RunAsNonRoot:             &runAsNonRoot,
							ReadOnlyRootFilesystem:   &readOnlyRoot,
							AllowPrivilegeEscalation: &noEscalation,
						},
					}},
				},
			},
		},
	}
	return job, nil
}

func (o *Orchestrator) resources() corev1.ResourceRequirements {
	req := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	setQuantity(req.Requests, corev1.ResourceCPU, o.cfg.CPURequest)
	setQuantity(req.Requests, corev1.ResourceMemory, o.cfg.MemoryRequest)
	setQuantity(req.Limits, corev1.ResourceCPU, o.cfg.CPULimit)
	setQuantity(req.Limits, corev1.ResourceMemory, o.cfg.MemoryLimit)
	return req
}

func setQuantity(list corev1.ResourceList, name corev1.ResourceName, raw string) {
	if raw == "" {
		return
	}
	q, err := resource.ParseQuantity(raw)
	if err != nil {
		return
	}
	list[name] = q
}
