// Package metrics provides Prometheus metrics for the claims engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	Operations            *prometheus.CounterVec
	OperationDuration     *prometheus.HistogramVec
	ClaimTransitions      *prometheus.CounterVec
	RemittanceBatches     *prometheus.CounterVec
	RemittanceLines       *prometheus.CounterVec
	DenialsCreated        *prometheus.CounterVec
	AppealsFiled          *prometheus.CounterVec
	OpenDenials           prometheus.Gauge
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcm_operations_total",
			Help: "Service operations by outcome",
		}, []string{"operation", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rcm_operation_duration_seconds",
			Help:    "Service operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
		ClaimTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcm_claim_events_total",
			Help: "Claim domain events by type",
		}, []string{"event_type"}),
		RemittanceBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcm_remittance_batches_total",
			Help: "Processed remittance advices by final status",
		}, []string{"status"}),
		RemittanceLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcm_remittance_lines_total",
			Help: "Remittance lines by result (posted, duplicate, unmatched)",
		}, []string{"result"}),
		DenialsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcm_denials_created_total",
			Help: "Denials created by category",
		}, []string{"category"}),
		AppealsFiled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcm_appeals_filed_total",
			Help: "Appeals filed by level",
		}, []string{"level"}),
		OpenDenials: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rcm_denials_open",
			Help: "Denials not yet resolved or written off",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Operations,
			m.OperationDuration,
			m.ClaimTransitions,
			m.RemittanceBatches,
			m.RemittanceLines,
			m.DenialsCreated,
			m.AppealsFiled,
			m.OpenDenials,
			m.KafkaMessagesProduced,
			m.KafkaMessagesConsumed,
			m.OutboxPending,
			m.CircuitBreakerState,
		)
	}

	return m
}

// Handler returns the Prometheus HTTP handler for g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
