package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// Readiness states. Only StatusUnavailable fails the readiness probe.
const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// HealthChecker runs the readiness checks of the server's dependencies.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency probe. A failing optional check only
// degrades readiness; a failing required check makes the server unavailable.
type HealthCheck struct {
	Name     string
	Optional bool
	Check    func(ctx context.Context) error
}

// HealthStatus is the readiness report.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Ready reports whether the probe should pass.
func (s HealthStatus) Ready() bool { return s.Status != StatusUnavailable }

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status     string `json:"status"` // "ok" or "fail"
	Optional   bool   `json:"optional,omitempty"`
	Message    string `json:"message,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a required check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.add(HealthCheck{Name: name, Check: check})
}

// AddOptionalCheck registers a check whose failure degrades readiness
// without failing it.
func (h *HealthChecker) AddOptionalCheck(name string, check func(ctx context.Context) error) {
	h.add(HealthCheck{Name: name, Optional: true, Check: check})
}

func (h *HealthChecker) add(c HealthCheck) {
	h.mu.Lock()
	h.checks = append(h.checks, c)
	h.mu.Unlock()
}

// CheckReady runs every check concurrently under a shared deadline.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()
	if len(checks) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Go(func() {
			start := time.Now()
			err := c.Check(ctx)
			r := CheckResult{Status: "ok", Optional: c.Optional, DurationMS: time.Since(start).Milliseconds()}
			if err != nil {
				r.Status = "fail"
				r.Message = err.Error()
			}
			results[i] = r
		})
	}
	wg.Wait()

	status := HealthStatus{Status: StatusOK, Checks: make(map[string]CheckResult, len(checks))}
	for i, c := range checks {
		r := results[i]
		status.Checks[c.Name] = r
		if r.Status == "ok" {
			continue
		}
		switch {
		case !c.Optional:
			status.Status = StatusUnavailable
		case status.Status == StatusOK:
			status.Status = StatusDegraded
		}
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.Bool("optional", c.Optional),
				slog.String("error", r.Message),
			)
		}
	}
	return status
}
