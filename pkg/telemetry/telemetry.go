// Package telemetry records per-request guardrail metrics in Prometheus
// format and provides the structured logger used across the toolchain.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Action label values for recorded chat events.
const (
	// ActionServed marks a request answered by the model.
	ActionServed = "served"
	// ActionBlockedAttack marks a request refused by the injection precheck.
	ActionBlockedAttack = "blocked_attack_precheck"
	// ActionBlockedScope marks a request refused as out of scope or harmful.
	ActionBlockedScope = "blocked_out_of_scope"
	// ActionError marks a request that failed at the model endpoint.
	ActionError = "service_error"
)

// Event describes one processed request for metric recording.
type Event struct {
	Model           string
	Action          string
	InScope         bool
	Attack          bool
	BlockedCategory string
	LatencyMS       float64
	Err             bool
}

// Metrics holds the Prometheus instruments for chat request telemetry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	blockedAttackTotal *prometheus.CounterVec
	blockedScopeTotal  *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
	latencyMS          *prometheus.HistogramVec
}

// NewMetrics creates and registers the chat metrics with the given registry.
// A nil registry creates a fresh one, which keeps test instances isolated.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "promptops",
				Subsystem: "chat",
				Name:      "requests_total",
				Help:      "Total chat requests processed",
			},
			[]string{"model", "action", "is_in_scope", "is_attack", "blocked_category"},
		),

		blockedAttackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "promptops",
				Subsystem: "chat",
				Name:      "blocked_attack_total",
				Help:      "Total requests blocked due to attack detection",
			},
			[]string{"model"},
		),

		blockedScopeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "promptops",
				Subsystem: "chat",
				Name:      "blocked_scope_total",
				Help:      "Total requests blocked due to out-of-scope policy",
			},
			[]string{"model", "blocked_category"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "promptops",
				Subsystem: "chat",
				Name:      "errors_total",
				Help:      "Total chat processing errors",
			},
			[]string{"model", "action"},
		),

		latencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "promptops",
				Subsystem: "chat",
				Name:      "latency_ms",
				Help:      "Chat response latency in milliseconds",
				Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 20000, 60000},
			},
			[]string{"model", "action"},
		),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.blockedAttackTotal,
		m.blockedScopeTotal,
		m.errorsTotal,
		m.latencyMS,
	)

	return m
}

// RecordEvent updates every instrument the event touches. Blocked requests
// carry latency 0 and are not observed by the latency histogram.
func (m *Metrics) RecordEvent(ev Event) {
	blocked := ev.BlockedCategory
	if blocked == "" {
		blocked = "none"
	}

	m.requestsTotal.WithLabelValues(
		ev.Model, ev.Action, boolLabel(ev.InScope), boolLabel(ev.Attack), blocked,
	).Inc()

	if ev.Action == ActionBlockedAttack {
		m.blockedAttackTotal.WithLabelValues(ev.Model).Inc()
	}
	if ev.Action == ActionBlockedScope {
		m.blockedScopeTotal.WithLabelValues(ev.Model, blocked).Inc()
	}
	if ev.Err {
		m.errorsTotal.WithLabelValues(ev.Model, ev.Action).Inc()
	}
	if ev.LatencyMS > 0 {
		m.latencyMS.WithLabelValues(ev.Model, ev.Action).Observe(ev.LatencyMS)
	}
}

// Registry returns the Prometheus registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler serving the metrics in exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
