// Package metrics exposes the engine's Prometheus collectors. Operational
// failures that never reach a caller are counted here.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	accrualTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mining",
			Subsystem: "accrual",
			Name:      "ticks_total",
			Help:      "Accrual ticks by result.",
		},
		[]string{"result"},
	)

	accrualTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mining",
			Subsystem: "accrual",
			Name:      "tick_duration_seconds",
			Help:      "Duration of accrual ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
	)

	accrualBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mining",
			Subsystem: "accrual",
			Name:      "batches_total",
			Help:      "Accrual batch writes by result.",
		},
		[]string{"result"},
	)

	accrualContracts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mining",
			Subsystem: "accrual",
			Name:      "contracts_total",
			Help:      "Per-contract accrual outcomes.",
		},
		[]string{"outcome"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mining",
			Subsystem: "subscription",
			Name:      "notifications_total",
			Help:      "Provider notifications by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mining",
			Subsystem: "subscription",
			Name:      "transitions_total",
			Help:      "Applied subscription status transitions.",
		},
		[]string{"from", "to", "source"},
	)

	contractsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mining",
			Subsystem: "ledger",
			Name:      "contracts_total",
			Help:      "Contracts created or extended by kind.",
		},
		[]string{"kind", "action"},
	)

	operationalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mining",
			Name:      "operational_errors_total",
			Help:      "Internal failures surfaced only to operators.",
		},
		[]string{"component"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		accrualTicks,
		accrualTickDuration,
		accrualBatches,
		accrualContracts,
		notifications,
		transitions,
		contractsCreated,
		operationalErrors,
	)
}

// Handler returns an HTTP handler exposing the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordTick records one accrual tick.
func RecordTick(result string, duration time.Duration) {
	accrualTicks.WithLabelValues(result).Inc()
	if duration > 0 {
		accrualTickDuration.Observe(duration.Seconds())
	}
}

// RecordBatch records one accrual batch write.
func RecordBatch(result string) {
	accrualBatches.WithLabelValues(result).Inc()
}

// RecordContracts adds n per-contract outcomes.
func RecordContracts(outcome string, n int) {
	if n > 0 {
		accrualContracts.WithLabelValues(outcome).Add(float64(n))
	}
}

// RecordNotification records a processed provider notification.
func RecordNotification(notificationType, outcome string) {
	notifications.WithLabelValues(notificationType, outcome).Inc()
}

// RecordTransition records an applied subscription transition.
func RecordTransition(from, to, source string) {
	transitions.WithLabelValues(from, to, source).Inc()
}

// RecordContract records a ledger write.
func RecordContract(kind, action string) {
	contractsCreated.WithLabelValues(kind, action).Inc()
}

// RecordOperationalError counts a failure that is logged but not returned.
func RecordOperationalError(component string) {
	operationalErrors.WithLabelValues(component).Inc()
}
