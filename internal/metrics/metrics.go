// Package metrics exposes gateway counters in the Prometheus exposition
// format. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentgate"

// Metrics holds the gateway collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	registrations   *prometheus.CounterVec
	authentications *prometheus.CounterVec
	guardDecisions  *prometheus.CounterVec
	guardLatency    prometheus.Histogram
	spend           *prometheus.CounterVec
	cleanups        *prometheus.CounterVec
	notifyFailures  prometheus.Counter
}

// New creates a registry with the gateway collectors plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration attempts by stage and outcome code.",
		}, []string{"stage", "code"}),
		authentications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authentications_total",
			Help:      "Re-authentication attempts by outcome code.",
		}, []string{"code"}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_decisions_total",
			Help:      "Guarded request decisions by scope and outcome code.",
		}, []string{"scope", "code"}),
		guardLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "guard_duration_seconds",
			Help:      "Time spent evaluating the guard pipeline.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		spend: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_total",
			Help:      "Amount recorded against spending caps by currency.",
		}, []string{"currency"}),
		cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_removed_total",
			Help:      "Items removed by the background janitor by kind.",
		}, []string{"kind"}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Best-effort notifications that could not be delivered.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.registrations,
		m.authentications,
		m.guardDecisions,
		m.guardLatency,
		m.spend,
		m.cleanups,
		m.notifyFailures,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registration counts a register or verify outcome.
func (m *Metrics) Registration(stage, code string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(stage, code).Inc()
}

// Authentication counts a re-authentication outcome.
func (m *Metrics) Authentication(code string) {
	if m == nil {
		return
	}
	m.authentications.WithLabelValues(code).Inc()
}

// GuardDecision counts a guard outcome and observes its latency.
func (m *Metrics) GuardDecision(scope, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.guardDecisions.WithLabelValues(scope, code).Inc()
	m.guardLatency.Observe(elapsed.Seconds())
}

// Spend adds a recorded amount.
func (m *Metrics) Spend(currency string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.spend.WithLabelValues(currency).Add(amount)
}

// Cleaned counts items removed by the janitor.
func (m *Metrics) Cleaned(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanups.WithLabelValues(kind).Add(float64(n))
}

// NotifyFailed counts an undelivered notification.
func (m *Metrics) NotifyFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}
