package security

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/jkaninda/kazi/internal/domain"
)

// DecisionObserver is notified of every policy decision (metrics hook).
type DecisionObserver func(action string, verdict Verdict)

// Guard composes policy evaluation with auditing. Denials and approval
// requests are audited here. An allowed action is audited by whoever
// performs it: callers attach the decision with WithDecision and the
// operation's single entry records the verdict.
type Guard struct {
	enforcer *PolicyEnforcer
	auditor  *Auditor
	observer DecisionObserver
	logger   *slog.Logger
}

// NewGuard creates a Guard.
func NewGuard(enforcer *PolicyEnforcer, auditor *Auditor, logger *slog.Logger) *Guard {
	return &Guard{enforcer: enforcer, auditor: auditor, logger: logger}
}

// WithObserver sets a decision observer.
func (g *Guard) WithObserver(fn DecisionObserver) *Guard {
	g.observer = fn
	return g
}

// Auditor returns the underlying auditor.
func (g *Guard) Auditor() *Auditor { return g.auditor }

// Check evaluates action under policy and audits any non-allow verdict.
func (g *Guard) Check(ctx context.Context, sandboxID uuid.UUID, policy domain.Policy, action Action) Decision {
	d := g.enforcer.Evaluate(policy, action)
	if g.observer != nil {
		g.observer(action.Name, d.Verdict)
	}
	switch d.Verdict {
	case VerdictDeny:
		g.logger.WarnContext(ctx, "action denied by policy",
			slog.String("action", action.Name),
			slog.String("project", policy.ProjectID),
			slog.String("reason", d.Reason),
		)
		g.record(ctx, sandboxID, action, domain.OutcomeDenied, d)
	case VerdictRequireApproval:
		g.record(ctx, sandboxID, action, domain.OutcomeApprovalRequired, d)
	}
	return d
}

// Grant re-evaluates an action a human or an auto-approval rule has
// approved. A deny still wins; otherwise the action is allowed with the
// approval as its reason.
func (g *Guard) Grant(ctx context.Context, sandboxID uuid.UUID, policy domain.Policy, action Action, approvedBy string) Decision {
	d := g.enforcer.Evaluate(policy, action)
	if d.Verdict == VerdictDeny {
		if g.observer != nil {
			g.observer(action.Name, d.Verdict)
		}
		g.record(ctx, sandboxID, action, domain.OutcomeDenied, d)
		return d
	}
	d = Decision{Verdict: VerdictAllow, Reason: "approved by " + approvedBy}
	if g.observer != nil {
		g.observer(action.Name, d.Verdict)
	}
	return d
}

func (g *Guard) record(ctx context.Context, sandboxID uuid.UUID, action Action, outcome domain.AuditOutcome, d Decision) {
	g.auditor.Record(ctx, sandboxID, action.Name, actionTarget(action), outcome, map[string]any{
		detailPolicy: string(d.Verdict),
		"reason":     d.Reason,
		"risk":       action.RiskLevel.String(),
	})
}

func actionTarget(a Action) string {
	switch {
	case a.Path != "":
		return a.Path
	case len(a.Command) > 0:
		return shellquote.Join(a.Command...)
	default:
		return a.Name
	}
}

func isDenied(err error) bool {
	return errors.Is(err, domain.ErrPolicyDenied) || errors.Is(err, domain.ErrPathViolation)
}
