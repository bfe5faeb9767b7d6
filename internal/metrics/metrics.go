// Package metrics exposes Prometheus instrumentation for the guardrail
// pipeline. All methods are nil-safe so components can run uninstrumented
// in tests and one-shot CLI mode.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/praetor-ai/praetor/internal/guardrail"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	checks        *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
	unavailable   *prometheus.CounterVec
	auditFailures prometheus.Counter
	latency       *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, for one-shot CLI mode.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "praetor",
			Name:      "checks_total",
			Help:      "Guardrail evaluations by check type and merged status.",
		}, []string{"check", "status"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "praetor",
			Name:      "detector_fallbacks_total",
			Help:      "Evaluations where the primary detector was unavailable and the fallback ran.",
		}, []string{"kind"}),
		unavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "praetor",
			Name:      "detector_unavailable_total",
			Help:      "Kinds left without any usable detector (fail-closed path).",
		}, []string{"kind"}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "praetor",
			Name:      "audit_write_failures_total",
			Help:      "Audit writes that exhausted their retry budget.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "praetor",
			Name:      "check_duration_seconds",
			Help:      "End-to-end guardrail evaluation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"check"}),
	}
	if reg != nil {
		reg.MustRegister(m.checks, m.fallbacks, m.unavailable, m.auditFailures, m.latency)
	}
	return m
}

// ObserveCheck records one completed evaluation.
func (m *Metrics) ObserveCheck(check string, status guardrail.Status, d time.Duration) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(check, string(status)).Inc()
	m.latency.WithLabelValues(check).Observe(d.Seconds())
}

// IncFallback counts a primary-to-fallback switch for kind.
func (m *Metrics) IncFallback(kind guardrail.Kind) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(string(kind)).Inc()
}

// IncUnavailable counts a kind with no usable detector.
func (m *Metrics) IncUnavailable(kind guardrail.Kind) {
	if m == nil {
		return
	}
	m.unavailable.WithLabelValues(string(kind)).Inc()
}

// IncAuditFailure counts an audit write that failed after retries.
func (m *Metrics) IncAuditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}
