// Package metrics exposes Prometheus instrumentation for the conversation
// loop, tool gateway, and authorization flow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records
// nothing, so tests can pass nil without wiring a registry.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal       *prometheus.CounterVec
	turnDuration     prometheus.Histogram
	llmCallsTotal    *prometheus.CounterVec
	toolCallsTotal   *prometheus.CounterVec
	suspensionsTotal prometheus.Counter
	resumptionsTotal *prometheus.CounterVec
	authTotal        *prometheus.CounterVec
	abandonedTotal   prometheus.Counter
}

// New creates a metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_turns_total",
			Help: "Completed conversation turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "parley_turn_duration_seconds",
			Help:    "Wall time of one conversation turn, excluding suspension.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		llmCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_llm_calls_total",
			Help: "LLM completion calls by provider and status.",
		}, []string{"provider", "status"}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_tool_calls_total",
			Help: "Tool invocations by target system and status.",
		}, []string{"system", "status"}),
		suspensionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_suspensions_total",
			Help: "Turns suspended waiting for authorization.",
		}),
		resumptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_resumptions_total",
			Help: "Suspended turns resumed, by authorization outcome.",
		}, []string{"outcome"}),
		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_authorizations_total",
			Help: "Authorization callback outcomes.",
		}, []string{"outcome"}),
		abandonedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_checkpoints_abandoned_total",
			Help: "Checkpoints abandoned after the authorization wait timeout.",
		}),
	}
	reg.MustRegister(
		m.turnsTotal, m.turnDuration, m.llmCallsTotal, m.toolCallsTotal,
		m.suspensionsTotal, m.resumptionsTotal, m.authTotal, m.abandonedTotal,
	)
	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Turn(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(seconds)
}

func (m *Metrics) LLMCall(provider, status string) {
	if m == nil {
		return
	}
	m.llmCallsTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) ToolCall(system, status string) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(system, status).Inc()
}

func (m *Metrics) Suspension() {
	if m == nil {
		return
	}
	m.suspensionsTotal.Inc()
}

func (m *Metrics) Resumption(outcome string) {
	if m == nil {
		return
	}
	m.resumptionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Authorization(outcome string) {
	if m == nil {
		return
	}
	m.authTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Abandoned() {
	if m == nil {
		return
	}
	m.abandonedTotal.Inc()
}
