package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"assistantconsole/internal/types"
)

// PrometheusCollector registers its vectors on a caller-owned registry so
// tests and multiple servers do not collide on the global one.
type PrometheusCollector struct {
	gatherer prometheus.Gatherer

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	decisions       *prometheus.CounterVec
	activations     *prometheus.CounterVec
	paymentFailures *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
}

// NewPrometheusCollector creates the collector. A nil registry gets a fresh
// one with the Go and process collectors attached.
func NewPrometheusCollector(reg *prometheus.Registry, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		gatherer: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "path"}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_decisions_total",
			Help:      "Entitlement decisions by plan, action and result",
		}, []string{"plan", "action", "result"}),
		activations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_activations_total",
			Help:      "Plan activation attempts by outcome",
		}, []string{"plan", "source", "outcome"}),
		paymentFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_failures_total",
			Help:      "Recorded failed payments",
		}, []string{"plan", "code"}),
		webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_webhooks_total",
			Help:      "Gateway webhook deliveries by event and outcome",
		}, []string{"event", "outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *PrometheusCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(method, endpoint, status).Inc()
	c.requestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordDecision(plan types.PlanID, action types.ActionKind, code types.DenialCode) {
	c.decisions.WithLabelValues(string(plan), string(action), decisionLabel(code)).Inc()
}

func (c *PrometheusCollector) RecordActivation(plan types.PlanID, source types.PaymentSource, outcome string) {
	c.activations.WithLabelValues(string(plan), string(source), outcome).Inc()
}

func (c *PrometheusCollector) RecordPaymentFailure(plan types.PlanID, code string) {
	if code == "" {
		code = "unknown"
	}
	c.paymentFailures.WithLabelValues(string(plan), code).Inc()
}

func (c *PrometheusCollector) RecordWebhook(event, outcome string) {
	c.webhooks.WithLabelValues(event, outcome).Inc()
}

var _ Collector = (*PrometheusCollector)(nil)
