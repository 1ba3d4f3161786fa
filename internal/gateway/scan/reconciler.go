package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/marcus-qen/jurisdiction/internal/gateway/config"
	"github.com/marcus-qen/jurisdiction/internal/gateway/metrics"
	"github.com/marcus-qen/jurisdiction/internal/gateway/registry"
)

const maxLogBytes = 4 << 20

// ErrScanTerminal is returned by Cancel when the scan already settled.
var ErrScanTerminal = errors.New("scan already in a terminal status")

// Reconciler sweeps Running scans and settles them against the state of
// their Kubernetes jobs. Safe to run on multiple replicas: every terminal
// transition is gated by a conditional update on the scan status, so only
// one sweeper wins a given scan.
type Reconciler struct {
	client        kubernetes.Interface
	store         registry.Store
	cfg           config.ScannerConfig
	passThreshold float64
	logger        *zap.Logger
	metrics       *metrics.Metrics

	// fetchLogs is swappable for tests; the fake clientset cannot serve
	// real pod logs.
	fetchLogs func(ctx context.Context, namespace, podName string) ([]byte, error)
	now       func() time.Time
}

// NewReconciler builds a sweeper. m may be nil.
func NewReconciler(client kubernetes.Interface, store registry.Store, cfg config.ScannerConfig, passThreshold float64, logger *zap.Logger, m *metrics.Metrics) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		client:        client,
		store:         store,
		cfg:           cfg,
		passThreshold: passThreshold,
		logger:        logger.Named("scan-reconciler"),
		metrics:       m,
		now:           func() time.Time { return time.Now().UTC() },
	}
	r.fetchLogs = r.podLogs
	return r
}

// Run sweeps on the configured schedule until ctx is cancelled. The
// schedule is a Go duration ("15s") or a cron expression ("*/1 * * * *").
func (r *Reconciler) Run(ctx context.Context) error {
	if d, err := time.ParseDuration(r.cfg.ReconcileSchedule); err == nil {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				r.sweepAndLog(ctx)
			}
		}
	}

	schedule, err := cron.ParseStandard(r.cfg.ReconcileSchedule)
	if err != nil {
		return fmt.Errorf("parse reconcile schedule %q: %w", r.cfg.ReconcileSchedule, err)
	}
	for {
		next := schedule.Next(r.now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
			r.sweepAndLog(ctx)
		}
	}
}

func (r *Reconciler) sweepAndLog(ctx context.Context) {
	if err := r.Sweep(ctx); err != nil {
		r.logger.Error("sweep failed", zap.Error(err))
	}
}

// Sweep reconciles every Running scan once.
func (r *Reconciler) Sweep(ctx context.Context) error {
	running, err := r.store.ListScansByStatus(ctx, registry.ScanRunning)
	if err != nil {
		return fmt.Errorf("list running scans: %w", err)
	}
	for i := range running {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.reconcileScan(ctx, &running[i])
	}
	return nil
}

func (r *Reconciler) reconcileScan(ctx context.Context, scan *registry.Scan) {
	log := r.logger.With(
		zap.String("scanId", scan.ID),
		zap.String("job", scan.JobName))

	job, err := r.client.BatchV1().Jobs(r.cfg.JobNamespace).Get(ctx, scan.JobName, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		r.settleFailure(ctx, scan, registry.ScanFailed, "scan job disappeared", log)
		return
	case err != nil:
		log.Warn("job lookup failed", zap.Error(err))
		return
	}

	switch {
	case job.Status.Succeeded > 0:
		r.settleCompleted(ctx, scan, log)
	case job.Status.Failed > 0 && jobHasFailed(job.Status.Conditions):
		message := "scan job failed"
		if logs, err := r.jobLogs(ctx, scan.JobName); err == nil && len(logs) > 0 {
			message = fmt.Sprintf("scan job failed: %s", truncate(string(logs), 2048))
		}
		r.settleFailure(ctx, scan, registry.ScanFailed, message, log)
	default:
		// Still running; enforce the orchestration-side timeout.
		if r.now().Sub(scan.StartedAt) > time.Duration(r.cfg.TimeoutSeconds)*time.Second {
			r.deleteJob(ctx, scan.JobName)
			r.settleFailure(ctx, scan, registry.ScanTimedOut,
				fmt.Sprintf("scan exceeded %ds", r.cfg.TimeoutSeconds), log)
		}
	}
}

// settleCompleted parses the scanner output and records the result. The
// conditional transition makes this idempotent across replicas.
func (r *Reconciler) settleCompleted(ctx context.Context, scan *registry.Scan, log *zap.Logger) {
	logs, err := r.jobLogs(ctx, scan.JobName)
	if err != nil {
		log.Warn("fetch scan logs failed", zap.Error(err))
		r.settleFailure(ctx, scan, registry.ScanFailed,
			fmt.Sprintf("fetch scanner output: %v", err), log)
		return
	}

	report, err := registry.ParseScannerReport(logs)
	if err != nil {
		r.settleFailure(ctx, scan, registry.ScanFailed,
			fmt.Sprintf("parse scanner output: %v", err), log)
		return
	}

	if err := r.store.TransitionScan(ctx, scan.ID, registry.ScanRunning, registry.ScanCompleted, ""); err != nil {
		if !errors.Is(err, registry.ErrStale) {
			log.Error("scan transition failed", zap.Error(err))
		}
		return
	}

	finished := r.now()
	scan.Status = registry.ScanCompleted
	scan.RiskScore = report.RiskScore
	scan.Summary = report.Summary
	scan.ReportJSON = report.Raw
	scan.Issues = report.Issues
	scan.DiscoveredTools = report.Tools
	scan.FinishedAt = &finished
	if scan.ScannerVersion == "" {
		scan.ScannerVersion = report.ScannerVersion
	}

	newStatus, outcome := registry.StatusScannedFail, "fail"
	if report.Passed(r.passThreshold) {
		newStatus, outcome = registry.StatusScannedPass, "pass"
	}
	if err := r.store.RecordScanCompletion(ctx, scan.ServerID, scan, newStatus, report.RiskScore); err != nil {
		log.Error("record scan completion failed", zap.Error(err))
		return
	}

	r.observeTerminal(scan, outcome)
	if r.metrics != nil && report.RiskScore != nil {
		r.metrics.ScanRiskScore.Observe(*report.RiskScore)
	}
	r.deleteJob(ctx, scan.JobName)
	log.Info("scan settled",
		zap.String("outcome", outcome),
		zap.Float64p("riskScore", report.RiskScore))
}

// settleFailure moves the scan to a terminal failure status and the server
// to ScannedFail.
func (r *Reconciler) settleFailure(ctx context.Context, scan *registry.Scan, to registry.ScanStatus, message string, log *zap.Logger) {
	if err := r.store.TransitionScan(ctx, scan.ID, registry.ScanRunning, to, message); err != nil {
		if !errors.Is(err, registry.ErrStale) {
			log.Error("scan transition failed", zap.Error(err))
		}
		return
	}
	if err := r.store.UpdateServerStatus(ctx, scan.ServerID, registry.StatusScannedFail); err != nil {
		log.Error("server status update failed", zap.Error(err))
	}

	outcome := "error"
	if to == registry.ScanTimedOut {
		outcome = "timeout"
	}
	r.observeTerminal(scan, outcome)
	r.deleteJob(ctx, scan.JobName)
	log.Warn("scan failed", zap.String("status", to.String()), zap.String("message", message))
}

// Cancel administratively stops a scan: the job is deleted and the scan
// marked Cancelled. The server's status is left untouched.
func (r *Reconciler) Cancel(ctx context.Context, scanID string) error {
	scan, err := r.store.GetScan(ctx, scanID)
	if err != nil {
		return err
	}
	if scan.Status.Terminal() {
		return fmt.Errorf("cancel scan %s (%s): %w", scanID, scan.Status, ErrScanTerminal)
	}

	if scan.JobName != "" {
		r.deleteJob(ctx, scan.JobName)
	}
	if err := r.store.TransitionScan(ctx, scan.ID, scan.Status, registry.ScanCancelled, "cancelled by operator"); err != nil {
		return err
	}
	r.observeTerminal(scan, "cancelled")
	r.logger.Info("scan cancelled", zap.String("scanId", scanID))
	return nil
}

func (r *Reconciler) observeTerminal(scan *registry.Scan, outcome string) {
	if r.metrics == nil {
		return
	}
	r.metrics.ScansCompleted.WithLabelValues(outcome).Inc()
	r.metrics.ScanDuration.Observe(r.now().Sub(scan.StartedAt).Seconds())
}

func (r *Reconciler) deleteJob(ctx context.Context, jobName string) {
	propagation := metav1.DeletePropagationBackground
	err := r.client.BatchV1().Jobs(r.cfg.JobNamespace).Delete(ctx, jobName,
		metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil && !apierrors.IsNotFound(err) {
		r.logger.Debug("job cleanup failed", zap.String("job", jobName), zap.Error(err))
	}
}

// jobLogs returns the stdout of the job's first completed pod.
func (r *Reconciler) jobLogs(ctx context.Context, jobName string) ([]byte, error) {
	pods, err := r.client.CoreV1().Pods(r.cfg.JobNamespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return nil, fmt.Errorf("list job pods: %w", err)
	}
	for i := range pods.Items {
		pod := &pods.Items[i]
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			return r.fetchLogs(ctx, pod.Namespace, pod.Name)
		}
	}
	return nil, fmt.Errorf("no completed pod for job %s", jobName)
}

func (r *Reconciler) podLogs(ctx context.Context, namespace, podName string) ([]byte, error) {
	stream, err := r.client.CoreV1().Pods(namespace).
		GetLogs(podName, &corev1.PodLogOptions{Container: "scanner"}).Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream pod logs: %w", err)
	}
	defer stream.Close()
	return io.ReadAll(io.LimitReader(stream, maxLogBytes))
}

func jobHasFailed(conditions []batchv1.JobCondition) bool {
	for _, c := range conditions {
		if c.Type == batchv1.JobFailed && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
