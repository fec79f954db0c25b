package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/sandbox"
)

// SyncResult reports the outcome of a repository sync.
type SyncResult struct {
	Branch   string `json:"branch"`
	Before   string `json:"before"`
	Head     string `json:"head"`
	Updated  bool   `json:"updated"`
	Switched bool   `json:"switched,omitempty"`
}

// SyncRepo fetches branch from origin, checks it out when another branch is
// current and fast-forwards it to the fetched head. A branch missing locally
// is created from origin and tracks it. Diverged histories fail with
// domain.ErrMergeConflict and leave the working tree untouched.
func (c *Controller) SyncRepo(ctx context.Context, id uuid.UUID, branch string) (*SyncResult, error) {
	var result *SyncResult
	err := c.Exclusive(ctx, id, func(sh *Shell) error {
		sb := sh.Sandbox()
		current := sb.GitBranch
		if res, err := sh.Run(ctx, sandbox.ExecRequest{Command: GitCommand("symbolic-ref", "--quiet", "--short", "HEAD")}); err == nil && res.ExitCode == 0 {
			current = trimLine(res.Stdout)
		}
		if branch == "" {
			branch = current
		}
		if err := ValidateBranch(branch); err != nil {
			return err
		}

		if _, err := sh.MustRun(ctx, sandbox.ExecRequest{
			Command: GitCommand("fetch", "--quiet", "origin", branch),
			Env:     c.GitEnv(),
			Timeout: c.cfg.CloneTimeout,
		}); err != nil {
			return fmt.Errorf("fetching %s: %w", branch, err)
		}

		switched := branch != current
		if switched {
			if err := checkoutForSync(ctx, sh, branch); err != nil {
				return err
			}
		}

		before, err := sh.mustRun(ctx, GitCommand("rev-parse", "HEAD"), 0)
		if err != nil {
			return fmt.Errorf("resolving HEAD: %w", err)
		}

		res, err := sh.Run(ctx, sandbox.ExecRequest{Command: GitCommand("merge", "--ff-only", "FETCH_HEAD")})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			if switched {
				_, _ = sh.Run(ctx, sandbox.ExecRequest{Command: GitCommand("checkout", "--quiet", current)})
			}
			return fmt.Errorf("%w: %s cannot be fast-forwarded to origin/%s: %s",
				domain.ErrMergeConflict, branch, branch, strings.TrimSpace(res.Stderr))
		}

		after, err := sh.mustRun(ctx, GitCommand("rev-parse", "HEAD"), 0)
		if err != nil {
			return fmt.Errorf("resolving HEAD: %w", err)
		}

		result = &SyncResult{
			Branch:   branch,
			Before:   trimLine(before.Stdout),
			Head:     trimLine(after.Stdout),
			Switched: switched,
		}
		result.Updated = switched || result.Before != result.Head

		now := time.Now().UTC()
		sh.e.mu.Lock()
		sh.e.sb.GitBranch = branch
		sh.e.sb.LastSyncedAt = &now
		sh.e.sb.UpdatedAt = now
		snap := sh.e.sb
		sh.e.mu.Unlock()
		c.persist(ctx, snap)
		return nil
	})

	sb, _ := c.Get(ctx, id)
	detail := map[string]any{"branch": branch}
	outcome := domain.OutcomeSuccess
	if err != nil {
		outcome = domain.OutcomeFailure
		detail["error"] = err.Error()
	} else {
		detail["head"] = result.Head
		c.logger.InfoContext(ctx, "repository synced",
			slog.String("sandbox_id", id.String()),
			slog.String("branch", branch),
			slog.Bool("updated", result.Updated),
		)
	}
	c.auditor.Record(ctx, id, "sandbox.sync", sb.ProjectID, outcome, detail)
	return result, err
}

// checkoutForSync switches to branch, creating it from the fetched head when
// it only exists on origin. Local changes that would be overwritten abort
// the switch.
func checkoutForSync(ctx context.Context, sh *Shell, branch string) error {
	exists, err := sh.Run(ctx, sandbox.ExecRequest{Command: GitCommand("rev-parse", "--verify", "--quiet", "refs/heads/"+branch)})
	if err != nil {
		return err
	}
	argv := GitCommand("checkout", "--quiet", branch)
	if exists.ExitCode != 0 {
		argv = GitCommand("checkout", "--quiet", "-b", branch, "FETCH_HEAD")
	}
	res, err := sh.Run(ctx, sandbox.ExecRequest{Command: argv})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: checking out %s: %s", domain.ErrMergeConflict, branch, strings.TrimSpace(res.Stderr))
	}
	if exists.ExitCode != 0 {
		// Tracking is informational; a missing remote ref is not fatal.
		_, _ = sh.Run(ctx, sandbox.ExecRequest{Command: GitCommand("branch", "--quiet", "--set-upstream-to=origin/"+branch)})
	}
	return nil
}
