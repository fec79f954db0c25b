// Package security implements default-deny policy enforcement and the
// append-only audit log for kazi.
package security

import (
	"context"

	"github.com/google/uuid"
)

// RiskLevel classifies the danger of an action.
type RiskLevel int

const (
	RiskLow      RiskLevel = iota // Read-only, no side effects.
	RiskMedium                    // Writes inside the workspace.
	RiskHigh                      // Command execution, pushes to remotes.
	RiskCritical                  // Deployments and other infrastructure changes.
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a string to a RiskLevel.
// Unrecognized values default to RiskCritical (default-deny principle).
func ParseRiskLevel(s string) RiskLevel {
	switch s {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	default:
		return RiskCritical
	}
}

// ActionKind groups actions by what they touch.
type ActionKind string

const (
	KindRead    ActionKind = "read"
	KindWrite   ActionKind = "write"
	KindDelete  ActionKind = "delete"
	KindExec    ActionKind = "exec"
	KindGit     ActionKind = "git"
	KindPublish ActionKind = "publish"
	KindDeploy  ActionKind = "deploy"
)

// ModifiesCode reports whether the kind changes repository contents.
func (k ActionKind) ModifiesCode() bool {
	switch k {
	case KindWrite, KindDelete, KindGit, KindPublish:
		return true
	}
	return false
}

// ModifiesInfra reports whether the kind reaches outside the sandbox.
func (k ActionKind) ModifiesInfra() bool { return k == KindDeploy }

// Action identifies a specific operation the agent or an API client wants to perform.
type Action struct {
	Name      string // tool or operation name, e.g. "edit_file"
	Kind      ActionKind
	RiskLevel RiskLevel
	Path      string   // workspace-relative path for file actions
	Command   []string // argv for exec actions
	SizeBytes int64    // payload size for writes
}

// Verdict is the outcome of a policy evaluation.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictDeny            Verdict = "deny"
	VerdictRequireApproval Verdict = "require_approval"
)

// Decision is a verdict plus a human-readable reason.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Verdict: VerdictAllow} }

func deny(reason string) Decision { return Decision{Verdict: VerdictDeny, Reason: reason} }

// Allowed reports whether the action may proceed without a human.
func (d Decision) Allowed() bool { return d.Verdict == VerdictAllow }

type ctxKey int

const (
	actorKey ctxKey = iota
	sessionKey
	decisionKey
)

// WithActor attaches the acting identity (user ID or "agent") to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFrom returns the actor attached to ctx, or "system".
func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok && v != "" {
		return v
	}
	return "system"
}

// WithSession attaches the chat session the operation belongs to.
func WithSession(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, sessionKey, id)
}

// SessionFrom returns the session attached to ctx, if any.
func SessionFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(sessionKey).(uuid.UUID)
	return id, ok
}

// WithDecision attaches the policy decision that cleared an action, so the
// audit entry of the operation carries it.
func WithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// DecisionFrom returns the decision attached to ctx, if any.
func DecisionFrom(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey).(Decision)
	return d, ok
}
