package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── CK Metrics ─────────────────────────────────────────────────────────────

// CKOutcomes counts finished CK applications by type and outcome
// (applied, partial, life_saved, rejected).
var CKOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nacion",
	Subsystem: "ck",
	Name:      "outcomes_total",
	Help:      "Total CK applications by type and outcome.",
}, []string{"type", "outcome"})

// CKStepFailures counts failed reset and reversal steps.
var CKStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nacion",
	Subsystem: "ck",
	Name:      "step_failures_total",
	Help:      "Total failed CK steps by step name.",
}, []string{"step"})

// CKStepDuration tracks per-step latency.
var CKStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "nacion",
	Subsystem: "ck",
	Name:      "step_duration_seconds",
	Help:      "CK step duration in seconds.",
	Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
}, []string{"step"})

// CKReversals counts reversal attempts by outcome (reversed, partial, rejected).
var CKReversals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nacion",
	Subsystem: "ck",
	Name:      "reversals_total",
	Help:      "Total CK reversals by outcome.",
}, []string{"outcome"})

// CKInProgress tracks CK operations currently holding a user lock.
var CKInProgress = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "nacion",
	Subsystem: "ck",
	Name:      "in_progress",
	Help:      "Number of CK operations currently running.",
})

// InsuranceConsumed counts anti-CK insurance policies used up.
var InsuranceConsumed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "nacion",
	Subsystem: "ck",
	Name:      "insurance_consumed_total",
	Help:      "Total anti-CK insurance policies consumed.",
})

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerLatency tracks economy API latency by method and status class.
var LedgerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "nacion",
	Subsystem: "ledger",
	Name:      "request_duration_seconds",
	Help:      "Ledger API request latency in seconds.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
}, []string{"method", "status"})

// ─── Notification Metrics ───────────────────────────────────────────────────

// NotificationsFailed counts notification targets that could not be reached.
var NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nacion",
	Subsystem: "notify",
	Name:      "failures_total",
	Help:      "Total failed notification deliveries by target.",
}, []string{"target"})
