package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "admission_guard"

var (
	// PipelineDecisions counts requests that left the pipeline, by the stage
	// that decided and the reason ("allowed" when the handler ran).
	PipelineDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_decisions_total",
		Help:      "Requests decided by the security pipeline, per stage and reason.",
	}, []string{"stage", "reason"})

	// RateLimitChecks counts limiter outcomes per policy endpoint.
	RateLimitChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_checks_total",
		Help:      "Rate limit checks per endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	// StoreErrors counts backing store failures that were failed open.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Backing store failures per operation.",
	}, []string{"op"})

	// RiskScore records activity scores per activity type.
	RiskScore = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Suspicious activity risk scores.",
		Buckets:   []float64{0, 20, 30, 50, 80, 100, 115},
	}, []string{"activity_type"})

	// ActiveBlocks is the number of unexpired block entries.
	ActiveBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_blocks",
		Help:      "Current unexpired block entries.",
	})

	// BlocksCreated counts block entries by source (admin, auto, crowdsec, cli).
	BlocksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_created_total",
		Help:      "Block entries created per source.",
	}, []string{"source"})

	// AuditEvents counts audit events through the async sink.
	AuditEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_events_total",
		Help:      "Audit events per action and status.",
	}, []string{"action", "status"})

	// WorkerQueueDepth tracks current audit job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current audit job channel buffer depth.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// CrowdSecDecisions counts LAPI decisions by action and filter outcome.
	CrowdSecDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crowdsec_decisions_total",
		Help:      "CrowdSec decisions received per action and outcome.",
	}, []string{"action", "outcome"})

	// DecisionsFiltered counts CrowdSec decisions rejected per filter stage.
	DecisionsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_filtered_total",
		Help:      "CrowdSec decisions rejected per filter stage.",
	}, []string{"stage", "reason"})

	// SweepDuration records janitor sweep latency.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Janitor sweep duration in seconds.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0},
	})
)
