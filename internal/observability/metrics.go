package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kazi"

// MetricsCollector holds all Prometheus metrics for kazi.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox lifecycle.
	SandboxTransitionsTotal *prometheus.CounterVec
	SandboxCommandsTotal    *prometheus.CounterVec
	SandboxCommandDuration  prometheus.Histogram

	// Agent loop.
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec
	TurnsTotal            *prometheus.CounterVec
	TurnIterations        prometheus.Histogram

	// Policy.
	PolicyDecisionsTotal *prometheus.CounterVec

	// Completion service.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// HTTP gateway.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge

	// Streaming.
	ActiveStreams prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "transitions_total",
			Help:      "Sandbox lifecycle transitions.",
		}, []string{"from", "to"}),

		SandboxCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "commands_total",
			Help:      "Commands executed inside sandboxes.",
		}, []string{"status"}),

		SandboxCommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "command_duration_seconds",
			Help:      "Sandbox command duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),

		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Total tool invocations by final status.",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "execution_duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "turns_total",
			Help:      "Agent turns by terminal reason.",
		}, []string{"reason"}),

		TurnIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "turn_iterations",
			Help:      "Model round trips per turn.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 25},
		}),

		PolicyDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "policy_decisions_total",
			Help:      "Policy decisions by action and verdict.",
		}, []string{"action", "verdict"}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total completion requests.",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Completion request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total tokens consumed.",
		}, []string{"provider", "model", "direction"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Open session event streams.",
		}),
	}

	reg.MustRegister(
		m.SandboxTransitionsTotal,
		m.SandboxCommandsTotal,
		m.SandboxCommandDuration,
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.TurnsTotal,
		m.TurnIterations,
		m.PolicyDecisionsTotal,
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.ActiveStreams,
	)

	return m
}
