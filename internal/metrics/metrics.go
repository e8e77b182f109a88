// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delfos_turns_total",
		Help: "Chat turns handled, by intent and outcome.",
	}, []string{"intent", "outcome"})
	turnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "delfos_turn_duration_seconds",
		Help:    "End-to-end latency of chat turns.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
	}, []string{"intent"})
	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delfos_tool_calls_total",
		Help: "Remote tool invocations, by server, tool and outcome.",
	}, []string{"server", "tool", "outcome"})
	toolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "delfos_tool_call_duration_seconds",
		Help:    "Latency of remote tool invocations.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"server", "tool"})
	verdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delfos_sql_verdicts_total",
		Help: "Validator verdicts, by status and rule.",
	}, []string{"status", "rule"})
	llmCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delfos_llm_calls_total",
		Help: "Language model completions, by provider and outcome.",
	}, []string{"provider", "outcome"})
	llmCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "delfos_llm_call_duration_seconds",
		Help:    "Latency of language model completions.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
	}, []string{"provider"})
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "delfos_active_sessions",
		Help: "Sessions currently held in memory.",
	})
	evictedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delfos_sessions_evicted_total",
		Help: "Sessions evicted after the idle TTL.",
	})
)

// ObserveTurn records a completed chat turn.
func ObserveTurn(intent, outcome string, d time.Duration) {
	if intent == "" {
		intent = "unknown"
	}
	turnsTotal.WithLabelValues(intent, outcome).Inc()
	turnDuration.WithLabelValues(intent).Observe(d.Seconds())
}

// ObserveToolCall records a remote tool invocation.
func ObserveToolCall(server, tool, outcome string, d time.Duration) {
	toolCallsTotal.WithLabelValues(server, tool, outcome).Inc()
	toolCallDuration.WithLabelValues(server, tool).Observe(d.Seconds())
}

// ObserveVerdict records a validator decision.
func ObserveVerdict(status, rule string) {
	verdictsTotal.WithLabelValues(status, rule).Inc()
}

// ObserveLLMCall records a language model completion.
func ObserveLLMCall(provider, outcome string, d time.Duration) {
	llmCallsTotal.WithLabelValues(provider, outcome).Inc()
	llmCallDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// SetActiveSessions sets the in-memory session gauge.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// AddEvictedSessions counts evicted sessions.
func AddEvictedSessions(n int) {
	evictedSessions.Add(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
