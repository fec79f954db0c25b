// Package security policy.go implements per-project policy evaluation.
//
// Deny-first evaluation: blocked paths, capability flags, risk cap, command
// allowlist and size limit are checked in that order; the first failure denies.
// Only an action that passes every check can require approval.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/jkaninda/kazi/internal/domain"
)

// AllowAllCommands in a CommandAllowlist permits any command.
const AllowAllCommands = "*"

// PolicyEnforcer evaluates actions against a project policy.
// It holds no mutable state and is safe for concurrent use.
type PolicyEnforcer struct {
	logger *slog.Logger
}

// NewPolicyEnforcer creates an enforcer.
func NewPolicyEnforcer(logger *slog.Logger) *PolicyEnforcer {
	return &PolicyEnforcer{logger: logger}
}

// Evaluate returns Allow, Deny{reason} or RequireApproval for the action.
func (e *PolicyEnforcer) Evaluate(policy domain.Policy, action Action) Decision {
	d := evaluate(policy, action)
	if d.Verdict != VerdictAllow {
		e.logger.Debug("policy decision",
			slog.String("project", policy.ProjectID),
			slog.String("action", action.Name),
			slog.String("verdict", string(d.Verdict)),
			slog.String("reason", d.Reason),
		)
	}
	return d
}

func evaluate(policy domain.Policy, action Action) Decision {
	if action.Path != "" {
		if pattern, ok := matchBlocked(action.Path, policy.BlockedFilePatterns); ok {
			return deny(fmt.Sprintf("path %q matches blocked pattern %q", action.Path, pattern))
		}
	}
	if action.Kind.ModifiesCode() && !policy.CanModifyCode {
		return deny(fmt.Sprintf("%s modifies code and the project policy forbids code changes", action.Name))
	}
	if action.Kind.ModifiesInfra() && !policy.CanModifyInfra {
		return deny(fmt.Sprintf("%s modifies infrastructure and the project policy forbids it", action.Name))
	}
	if policy.MaxRiskLevel != "" {
		maxRisk := ParseRiskLevel(policy.MaxRiskLevel)
		if action.RiskLevel > maxRisk {
			return deny(fmt.Sprintf("risk level %s exceeds policy cap of %s", action.RiskLevel, maxRisk))
		}
	}
	if action.Kind == KindExec {
		if err := CheckCommandAllowed(action.Command, policy.CommandAllowlist); err != nil {
			var de *domain.DeniedError
			if errors.As(err, &de) {
				return deny(de.Reason)
			}
			return deny(err.Error())
		}
	}
	if limit := policy.FileSizeLimit(); action.SizeBytes > limit {
		return deny(fmt.Sprintf("size %d bytes exceeds limit of %d bytes", action.SizeBytes, limit))
	}
	for _, name := range policy.RequireApprovalFor {
		if name == action.Name || name == string(action.Kind) {
			return Decision{Verdict: VerdictRequireApproval, Reason: fmt.Sprintf("%s requires human approval", action.Name)}
		}
	}
	return allow()
}

// CheckCommandAllowed returns a *domain.DeniedError unless argv matches an
// allowlist entry. Entries are tokenised like a shell would; an entry
// matches when its tokens are a prefix of argv ("git status" allows
// "git status -s" but not "git push"). An empty allowlist denies everything.
func CheckCommandAllowed(argv []string, allowlist []string) error {
	if len(argv) == 0 {
		return domain.Denied("empty command")
	}
	for _, entry := range allowlist {
		if strings.TrimSpace(entry) == AllowAllCommands {
			return nil
		}
		tokens, err := shellquote.Split(entry)
		if err != nil || len(tokens) == 0 {
			continue
		}
		if hasTokenPrefix(argv, tokens) {
			return nil
		}
	}
	return domain.Denied("command %q is not in the project allowlist", shellquote.Join(argv...))
}

func hasTokenPrefix(argv, prefix []string) bool {
	if len(prefix) > len(argv) {
		return false
	}
	for i, tok := range prefix {
		if argv[i] != tok {
			return false
		}
	}
	return true
}

// matchBlocked checks a workspace-relative path against glob patterns.
// A pattern matches the whole path, its base name, or, for "dir/**",
// everything below dir.
func matchBlocked(rel string, patterns []string) (string, bool) {
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	base := path.Base(rel)
	for _, pattern := range patterns {
		if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
			if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
				return pattern, true
			}
			continue
		}
		if ok, _ := path.Match(pattern, rel); ok {
			return pattern, true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return pattern, true
		}
	}
	return "", false
}

// ErrInvalidPolicy is returned by Save for malformed policies.
var ErrInvalidPolicy = errors.New("invalid policy")

// PolicyResolver returns the effective policy of a project: the stored one
// when present, the configured default otherwise.
type PolicyResolver struct {
	store    PolicyStore
	defaults domain.Policy
}

// NewPolicyResolver creates a resolver. store may be nil.
func NewPolicyResolver(store PolicyStore, defaults domain.Policy) *PolicyResolver {
	return &PolicyResolver{store: store, defaults: defaults}
}

// Resolve returns the policy for projectID.
func (r *PolicyResolver) Resolve(ctx context.Context, projectID string) (domain.Policy, error) {
	if r.store != nil {
		p, err := r.store.GetPolicy(ctx, projectID)
		switch {
		case err == nil:
			return *p, nil
		case !errors.Is(err, domain.ErrNotFound):
			return domain.Policy{}, fmt.Errorf("loading policy for %s: %w", projectID, err)
		}
	}
	p := r.defaults
	p.ProjectID = projectID
	return p, nil
}

// Save persists a project policy.
func (r *PolicyResolver) Save(ctx context.Context, policy domain.Policy) error {
	if r.store == nil {
		return fmt.Errorf("policy store not configured")
	}
	if policy.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", ErrInvalidPolicy)
	}
	if policy.MaxRiskLevel != "" {
		switch policy.MaxRiskLevel {
		case "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("%w: max_risk_level %q", ErrInvalidPolicy, policy.MaxRiskLevel)
		}
	}
	return r.store.PutPolicy(ctx, policy)
}
