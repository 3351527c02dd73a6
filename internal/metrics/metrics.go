package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bookly"

// Metrics wraps the Prometheus collectors for the billing core. Each
// instance owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	WebhookEvents   *prometheus.CounterVec
	Reconciliations *prometheus.CounterVec
	GatewayRequests *prometheus.CounterVec
	GatewayLatency  *prometheus.HistogramVec
	ActivationPolls *prometheus.CounterVec
	SweepResults    *prometheus.CounterVec
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Gateway webhook deliveries by event kind and outcome",
		}, []string{"kind", "outcome"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "reconciliations_total",
			Help:      "Reconciliation attempts by outcome",
		}, []string{"outcome"}),
		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Outbound payment gateway calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		GatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Outbound payment gateway call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		ActivationPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "activation_results_total",
			Help:      "Direct verification and poll results by path and status",
		}, []string{"path", "status"}),
		SweepResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "sweep_results_total",
			Help:      "Background sweep results by job and outcome",
		}, []string{"job", "outcome"}),
	}

	reg.MustRegister(
		m.WebhookEvents,
		m.Reconciliations,
		m.GatewayRequests,
		m.GatewayLatency,
		m.ActivationPolls,
		m.SweepResults,
		collectors.NewGoCollector(),
	)

	return m
}

// ObserveGateway records one gateway call.
func (m *Metrics) ObserveGateway(operation, outcome string, started time.Time) {
	m.GatewayRequests.WithLabelValues(operation, outcome).Inc()
	m.GatewayLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
