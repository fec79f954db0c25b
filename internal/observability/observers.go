package observability

import (
	"errors"
	"strconv"
	"time"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/controller"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/security"
)

// The collector plugs into the core packages through their observer hooks.
// Every method is nil-safe so callers can pass a disabled collector.
var (
	_ controller.Observer = (*MetricsCollector)(nil)
	_ llm.Observer        = (*MetricsCollector)(nil)
	_ agent.Observer      = (*MetricsCollector)(nil)
)

// SandboxTransition implements controller.Observer.
func (m *MetricsCollector) SandboxTransition(from, to domain.SandboxState) {
	if m == nil {
		return
	}
	m.SandboxTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// CommandExecuted implements controller.Observer.
func (m *MetricsCollector) CommandExecuted(duration time.Duration, exitCode int, timedOut bool) {
	if m == nil {
		return
	}
	status := "success"
	switch {
	case timedOut:
		status = "timeout"
	case exitCode != 0:
		status = "nonzero"
	}
	m.SandboxCommandsTotal.WithLabelValues(status).Inc()
	m.SandboxCommandDuration.Observe(duration.Seconds())
}

// CompletionFinished implements llm.Observer.
func (m *MetricsCollector) CompletionFinished(provider, model string, usage llm.Usage, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	switch {
	case errors.Is(err, domain.ErrCompletionUnavailable):
		status = "unavailable"
	case err != nil:
		status = "error"
	}
	m.LLMRequestsTotal.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if usage.InputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(usage.OutputTokens))
	}
}

// ToolExecuted implements agent.Observer.
func (m *MetricsCollector) ToolExecuted(tool string, status domain.InvocationStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionsTotal.WithLabelValues(tool, string(status)).Inc()
	if duration > 0 {
		m.ToolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	}
}

// TurnFinished implements agent.Observer.
func (m *MetricsCollector) TurnFinished(reason string, iterations, _ int) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(reason).Inc()
	m.TurnIterations.Observe(float64(iterations))
}

// PolicyDecision returns a security.DecisionObserver recording verdicts.
func (m *MetricsCollector) PolicyDecision() security.DecisionObserver {
	return func(action string, verdict security.Verdict) {
		if m == nil {
			return
		}
		m.PolicyDecisionsTotal.WithLabelValues(action, string(verdict)).Inc()
	}
}

// StreamsChanged records the number of open session streams.
func (m *MetricsCollector) StreamsChanged(active int) {
	if m == nil {
		return
	}
	m.ActiveStreams.Set(float64(active))
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
