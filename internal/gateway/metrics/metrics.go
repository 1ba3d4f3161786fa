// Package metrics holds the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mcp_gateway"

// Metrics bundles every collector the gateway exports. All collectors are
// registered against the Registerer passed to New, so tests can use a
// private registry.
type Metrics struct {
	ServersRegistered *prometheus.CounterVec
	StatusTransitions *prometheus.CounterVec

	ScanJobsLaunched prometheus.Counter
	ScansCompleted   *prometheus.CounterVec
	ScanDuration     prometheus.Histogram
	ScanRiskScore    prometheus.Histogram

	PolicyDecisions    *prometheus.CounterVec
	PolicyEvalDuration prometheus.Histogram

	ProxiedRequests *prometheus.CounterVec
	ToolCalls       *prometheus.CounterVec
	UpstreamLatency prometheus.Histogram

	AuditEventsRecorded prometheus.Counter
	AuditEventsDropped  prometheus.Counter
	AuditQueueDepth     prometheus.Gauge

	factory promauto.Factory
}

// New registers all gateway collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		factory: factory,
		ServersRegistered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "servers_registered_total",
			Help:      "Servers registered since start, by source type and initial status.",
		}, []string{"sourceType", "status"}),
		StatusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_status_transitions_total",
			Help:      "Server lifecycle transitions by trigger.",
		}, []string{"trigger"}),
		ScanJobsLaunched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_jobs_launched_total",
			Help:      "Kubernetes scan jobs created.",
		}),
		ScansCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_completed_total",
			Help:      "Scans reaching a terminal status, by outcome.",
		}, []string{"outcome"}),
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time from scan creation to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ScanRiskScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_risk_score",
			Help:      "Risk scores of completed scans.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		PolicyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Policy evaluations by decision.",
		}, []string{"decision"}),
		PolicyEvalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "policy_eval_duration_seconds",
			Help:      "Policy evaluation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 10),
		}),
		ProxiedRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxied_requests_total",
			Help:      "Requests through the enforcement adapter, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls through the gateway, by server, tool, team, and decision.",
		}, []string{"server", "tool", "team", "decision"}),
		UpstreamLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Downstream MCP server response latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		AuditEventsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_recorded_total",
			Help:      "Audit events accepted onto the pipeline.",
		}),
		AuditEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_dropped_total",
			Help:      "Audit events dropped because the queue was full.",
		}),
		AuditQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_queue_depth",
			Help:      "Audit events waiting to be written.",
		}),
	}
}

// RegisterRegistryGauges exposes store-backed gauges. Called once at
// startup, after the stores exist; the callbacks run at scrape time.
func (m *Metrics) RegisterRegistryGauges(approvedServers, pendingScans func() float64) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "approved_servers",
		Help:      "Servers currently in the Approved status.",
	}, approvedServers)
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_scans",
		Help:      "Scans currently queued or running.",
	}, pendingScans)
}
