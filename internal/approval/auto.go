package approval

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// AutoApprover approves an invocation without a human when the identical
// call (same project, tool and arguments) was approved manually enough
// times recently. It is off unless enabled with an explicit tool list.
type AutoApprover struct {
	mu       sync.Mutex
	history  map[string][]time.Time // call key -> manual approval times
	counters map[string]int         // project -> auto approvals in the current hour
	hourSlot int64
	config   AutoApprovalConfig
	now      func() time.Time
	logger   *slog.Logger
}

// AutoApprovalConfig controls auto-approval.
type AutoApprovalConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	AllowedTools      []string      `yaml:"allowed_tools" json:"allowed_tools"`
	RequiredApprovals int           `yaml:"required_approvals" json:"required_approvals"` // default 3
	Window            time.Duration `yaml:"window" json:"window"`                         // default 24h
	MaxPerHour        int           `yaml:"max_per_hour" json:"max_per_hour"`             // per project, default 10
}

// NewAutoApprover creates an AutoApprover.
func NewAutoApprover(cfg AutoApprovalConfig, logger *slog.Logger) *AutoApprover {
	if cfg.RequiredApprovals <= 0 {
		cfg.RequiredApprovals = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.MaxPerHour <= 0 {
		cfg.MaxPerHour = 10
	}
	return &AutoApprover{
		history:  make(map[string][]time.Time),
		counters: make(map[string]int),
		config:   cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// ShouldAutoApprove reports whether the call may skip the human and why.
func (a *AutoApprover) ShouldAutoApprove(projectID, tool string, args json.RawMessage) (bool, string) {
	if a == nil || !a.config.Enabled || !slices.Contains(a.config.AllowedTools, tool) {
		return false, ""
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	if slot := now.Unix() / 3600; slot != a.hourSlot {
		a.counters = make(map[string]int)
		a.hourSlot = slot
	}
	if a.counters[projectID] >= a.config.MaxPerHour {
		return false, ""
	}

	cutoff := now.Add(-a.config.Window)
	recent := 0
	for _, ts := range a.history[callKey(projectID, tool, args)] {
		if ts.After(cutoff) {
			recent++
		}
	}
	if recent < a.config.RequiredApprovals {
		return false, ""
	}

	a.counters[projectID]++
	reason := fmt.Sprintf("%d manual approvals of the same call within %s", recent, a.config.Window)
	a.logger.Info("auto-approving tool call",
		slog.String("project", projectID),
		slog.String("tool", tool),
		slog.String("reason", reason),
	)
	return true, reason
}

// RecordManualApproval remembers a human approval of the call.
func (a *AutoApprover) RecordManualApproval(projectID, tool string, args json.RawMessage) {
	if a == nil || !a.config.Enabled {
		return
	}
	key := callKey(projectID, tool, args)
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	cutoff := now.Add(-a.config.Window)
	kept := a.history[key][:0]
	for _, ts := range a.history[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	a.history[key] = append(kept, now)
}

// callKey hashes the compacted arguments so formatting differences do not
// produce distinct keys.
func callKey(projectID, tool string, args json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, args); err != nil {
		buf.Reset()
		buf.Write(args)
	}
	h := sha256.Sum256(append([]byte(projectID+"|"+tool+"|"), buf.Bytes()...))
	return fmt.Sprintf("%x", h[:16])
}
