package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal     *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	loopIterations prometheus.Histogram
	toolCallsTotal *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	consolidations *prometheus.CounterVec
	unindexedTotal prometheus.Counter
	reindexedTotal prometheus.Counter
	tokensTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recall_turns_total",
			Help: "Conversation turns handled, by status.",
		}, []string{"status"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recall_turn_duration_seconds",
			Help:    "End-to-end turn latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		loopIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recall_loop_iterations",
			Help:    "Model invocations per turn.",
			Buckets: prometheus.LinearBuckets(1, 1, 8),
		}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recall_tool_calls_total",
			Help: "Tool calls, by tool and status.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recall_tool_duration_seconds",
			Help:    "Tool call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		consolidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recall_consolidations_total",
			Help: "Summary consolidation attempts, by outcome.",
		}, []string{"outcome"}),
		unindexedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recall_unindexed_messages_total",
			Help: "Messages stored without an embedding.",
		}),
		reindexedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recall_reindexed_messages_total",
			Help: "Messages indexed by a reindex sweep.",
		}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recall_tokens_total",
			Help: "Model tokens consumed, by type.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turnsTotal, m.turnDuration, m.loopIterations,
		m.toolCallsTotal, m.toolDuration, m.consolidations,
		m.unindexedTotal, m.reindexedTotal, m.tokensTotal,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordTurn records a completed turn.
func (m *Metrics) RecordTurn(status string, duration time.Duration, iterations, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(status).Inc()
	m.turnDuration.Observe(duration.Seconds())
	if iterations > 0 {
		m.loopIterations.Observe(float64(iterations))
	}
	m.tokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	m.tokensTotal.WithLabelValues("output").Add(float64(outputTokens))
}

// RecordToolCall records a finished tool call. Its signature matches
// tools.Observer.
func (m *Metrics) RecordToolCall(tool, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// RecordConsolidation records a consolidation outcome.
func (m *Metrics) RecordConsolidation(outcome string) {
	if m == nil {
		return
	}
	m.consolidations.WithLabelValues(outcome).Inc()
}

// RecordUnindexed counts a message stored without its embedding.
func (m *Metrics) RecordUnindexed() {
	if m == nil {
		return
	}
	m.unindexedTotal.Inc()
}

// RecordReindexed counts messages repaired by a sweep.
func (m *Metrics) RecordReindexed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reindexedTotal.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
