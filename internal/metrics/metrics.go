// Package metrics exposes Prometheus counters for the credit subsystem. All methods are safe on a
// nil *Metrics so services can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "creditcore"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	webhookEvents       *prometheus.CounterVec
	webhookRetries      *prometheus.CounterVec
	ledgerMutations     *prometheus.CounterVec
	consumptionRejected *prometheus.CounterVec
	repairs             *prometheus.CounterVec
}

// New builds a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		webhookRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_retries_total",
			Help:      "Dispatch retries after a failed attempt.",
		}, []string{"event_type"}),
		ledgerMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_mutations_total",
			Help:      "Committed ledger entries by transaction type.",
		}, []string{"type"}),
		consumptionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumption_rejected_total",
			Help:      "Consumption attempts rejected for insufficient credits.",
		}, []string{"action_type"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repairs_total",
			Help:      "Reconciliation repair actions by action and outcome.",
		}, []string{"action", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhookEvents,
		m.webhookRetries,
		m.ledgerMutations,
		m.consumptionRejected,
		m.repairs,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WebhookEvent counts one webhook delivery outcome.
func (m *Metrics) WebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// WebhookRetry counts one retried dispatch attempt.
func (m *Metrics) WebhookRetry(eventType string) {
	if m == nil {
		return
	}
	m.webhookRetries.WithLabelValues(eventType).Inc()
}

// LedgerMutation counts one committed ledger entry.
func (m *Metrics) LedgerMutation(txType string) {
	if m == nil {
		return
	}
	m.ledgerMutations.WithLabelValues(txType).Inc()
}

// ConsumptionRejected counts one consumption refused for insufficient credits.
func (m *Metrics) ConsumptionRejected(actionType string) {
	if m == nil {
		return
	}
	m.consumptionRejected.WithLabelValues(actionType).Inc()
}

// Repair counts one reconciliation repair.
func (m *Metrics) Repair(action, outcome string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(action, outcome).Inc()
}
