package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Assessment metrics
	AssessmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_engine_assessments_total",
			Help: "Total number of security assessments by risk level and recommended action",
		},
		[]string{"risk_level", "action"},
	)

	AssessmentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trust_engine_assessment_duration_seconds",
			Help:    "Duration of a single security assessment",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
		},
	)

	FailClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_engine_fail_closed_total",
			Help: "Assessments or enforcements converted to deny after an internal error",
		},
		[]string{"stage"},
	)

	PolicyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_engine_policy_errors_total",
			Help: "Policy evaluations that failed and contributed a zero score",
		},
		[]string{"policy"},
	)

	// Enforcement metrics
	EnforcementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_engine_enforcements_total",
			Help: "Total number of enforcement decisions by executed action",
		},
		[]string{"action", "allowed"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_engine_rate_limit_rejections_total",
			Help: "Requests denied by the service or user rate limiter",
		},
		[]string{"scope"},
	)

	BookkeepingErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_engine_bookkeeping_errors_total",
			Help: "Enforcement bookkeeping failures (rate limiter backend, audit log)",
		},
		[]string{"component"},
	)

	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_engine_anomalies_total",
			Help: "Detected behavioural anomalies by type",
		},
		[]string{"type"},
	)

	// State gauges
	WhitelistSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trust_engine_whitelist_size",
			Help: "Number of operation keys on the whitelist",
		},
	)

	AuditEventsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trust_engine_audit_events_purged_total",
			Help: "Audit events removed by the retention sweep",
		},
	)

	// Audit export metrics
	AuditExported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_engine_audit_exported_total",
			Help: "Audit events delivered to external sinks",
		},
		[]string{"sink", "status"},
	)

	AuditExportDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trust_engine_audit_export_dropped_total",
			Help: "Audit events dropped because the export queue was full",
		},
	)
)
