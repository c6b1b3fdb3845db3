package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the ledger's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	operationsTotal       *prometheus.CounterVec
	idempotentReplays     *prometheus.CounterVec
	gatewayRequestsTotal  *prometheus.CounterVec
	gatewayRequestSeconds *prometheus.HistogramVec
	webhookEventsTotal    *prometheus.CounterVec
	outboxPublishedTotal  *prometheus.CounterVec
	sweeperVerifiedTotal  *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. Tests pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ledger",
				Name:      "operations_total",
				Help:      "Total ledger operations partitioned by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		idempotentReplays: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ledger",
				Name:      "idempotent_replays_total",
				Help:      "Total requests answered from a stored idempotent result.",
			},
			[]string{"operation"},
		),
		gatewayRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ledger",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total gateway calls partitioned by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		gatewayRequestSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ledger",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency of gateway calls.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		webhookEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ledger",
				Name:      "webhook_events_total",
				Help:      "Total gateway webhook deliveries partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		outboxPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ledger",
				Name:      "outbox_published_total",
				Help:      "Total outbox publish attempts partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		sweeperVerifiedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ledger",
				Name:      "pending_payment_sweeps_total",
				Help:      "Total payments re-verified by the pending-payment sweeper, by outcome.",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) ObserveOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveReplay(operation string) {
	if m == nil {
		return
	}
	m.idempotentReplays.WithLabelValues(operation).Inc()
}

func (m *Metrics) ObserveGatewayCall(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gatewayRequestsTotal.WithLabelValues(operation, outcome).Inc()
	m.gatewayRequestSeconds.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhookEventsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveOutboxPublish(outcome string) {
	if m == nil {
		return
	}
	m.outboxPublishedTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSweep(outcome string) {
	if m == nil {
		return
	}
	m.sweeperVerifiedTotal.WithLabelValues(outcome).Inc()
}
