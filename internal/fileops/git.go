package fileops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/controller"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/security"
)

// emptyTree is git's well-known empty tree object, the diff base before the first commit.
const emptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// ErrNothingToCommit is returned by CommitAndPush on a clean tree.
var ErrNothingToCommit = errors.New("nothing to commit")

// StatusEntry is one changed path from git status.
type StatusEntry struct {
	Path     string `json:"path"`
	OrigPath string `json:"orig_path,omitempty"`
	Index    string `json:"index"`
	Worktree string `json:"worktree"`
}

// GitStatus summarizes the working tree.
type GitStatus struct {
	Branch   string        `json:"branch"`
	Upstream string        `json:"upstream,omitempty"`
	Ahead    int           `json:"ahead"`
	Behind   int           `json:"behind"`
	Clean    bool          `json:"clean"`
	Entries  []StatusEntry `json:"entries"`
}

// CommitResult reports a commit and its push.
type CommitResult struct {
	Commit       string   `json:"commit"`
	Branch       string   `json:"branch"`
	FilesChanged []string `json:"files_changed"`
	Pushed       bool     `json:"pushed"`
}

// GitStatus returns branch tracking information and changed paths.
func (g *Gateway) GitStatus(ctx context.Context, id uuid.UUID) (*GitStatus, error) {
	var st *GitStatus
	err := g.ctrl.Exclusive(ctx, id, func(sh *controller.Shell) error {
		res, err := sh.MustRun(ctx, workspaceReq(controller.GitCommand(
			"status", "--porcelain=v1", "-z", "--branch", "--untracked-files=all")))
		if err != nil {
			return err
		}
		st = parseStatus(res.Stdout)
		return nil
	})
	return st, err
}

func parseStatus(out string) *GitStatus {
	st := &GitStatus{Entries: []StatusEntry{}}
	items := strings.Split(out, "\x00")
	for i := 0; i < len(items); i++ {
		item := items[i]
		if strings.HasPrefix(item, "## ") {
			parseBranchHeader(st, strings.TrimPrefix(item, "## "))
			continue
		}
		if len(item) < 4 {
			continue
		}
		e := StatusEntry{Index: item[0:1], Worktree: item[1:2], Path: item[3:]}
		if e.Index == "R" || e.Index == "C" {
			if i+1 < len(items) {
				e.OrigPath = items[i+1]
				i++
			}
		}
		st.Entries = append(st.Entries, e)
	}
	st.Clean = len(st.Entries) == 0
	return st
}

// parseBranchHeader reads "main...origin/main [ahead 1, behind 2]".
func parseBranchHeader(st *GitStatus, h string) {
	for _, prefix := range []string{"No commits yet on ", "Initial commit on "} {
		if strings.HasPrefix(h, prefix) {
			st.Branch = strings.TrimPrefix(h, prefix)
			return
		}
	}
	h, tracking, _ := strings.Cut(h, " [")
	st.Branch, st.Upstream, _ = strings.Cut(h, "...")
	for _, part := range strings.Split(strings.TrimSuffix(tracking, "]"), ", ") {
		key, val, ok := strings.Cut(part, " ")
		if !ok {
			continue
		}
		n, _ := strconv.Atoi(val)
		switch key {
		case "ahead":
			st.Ahead = n
		case "behind":
			st.Behind = n
		}
	}
}

// GitDiff returns the diff of the working tree against HEAD, optionally
// restricted to one file. Before the first commit it diffs against the empty tree.
func (g *Gateway) GitDiff(ctx context.Context, id uuid.UUID, file string) (string, error) {
	var rel string
	if file != "" {
		var err error
		if rel, err = g.resolve(ctx, id, "git.diff", file); err != nil {
			return "", err
		}
	}

	var diff string
	err := g.ctrl.Exclusive(ctx, id, func(sh *controller.Shell) error {
		base := "HEAD"
		res, err := sh.Run(ctx, workspaceReq(controller.GitCommand("rev-parse", "--verify", "--quiet", "HEAD")))
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			base = emptyTree
		}
		args := []string{"diff", "--no-color", "--no-ext-diff", base}
		if rel != "" {
			args = append(args, "--", argPath(rel))
		}
		out, err := sh.MustRun(ctx, workspaceReq(controller.GitCommand(args...)))
		if err != nil {
			return err
		}
		diff = out.Stdout
		return nil
	})
	return diff, err
}

// CreateBranch creates and checks out a new branch.
func (g *Gateway) CreateBranch(ctx context.Context, id uuid.UUID, name string) error {
	if err := controller.ValidateBranch(name); err != nil {
		return err
	}
	err := g.ctrl.Exclusive(ctx, id, func(sh *controller.Shell) error {
		return g.createBranch(ctx, sh, name)
	})
	g.auditor.Record(ctx, id, "git.branch", name, security.Outcome(err), errDetail(err))
	return err
}

func (g *Gateway) createBranch(ctx context.Context, sh *controller.Shell, name string) error {
	res, err := sh.Run(ctx, workspaceReq(controller.GitCommand("checkout", "--quiet", "-b", name)))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "already exists") {
			return fmt.Errorf("branch %s: %w", name, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("creating branch %s: %s", name, strings.TrimSpace(res.Stderr))
	}
	sh.SetBranch(ctx, name)
	return nil
}

// CommitAndPush stages every change, commits it and pushes the current
// branch to origin when one is configured.
func (g *Gateway) CommitAndPush(ctx context.Context, id uuid.UUID, message string) (*CommitResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("commit message must not be empty")
	}
	var out *CommitResult
	err := g.ctrl.Exclusive(ctx, id, func(sh *controller.Shell) error {
		var err error
		out, err = g.commitAndPush(ctx, id, sh, message)
		return err
	})
	return out, err
}

func (g *Gateway) commitAndPush(ctx context.Context, id uuid.UUID, sh *controller.Shell, message string) (*CommitResult, error) {
	result, err := g.commit(ctx, sh, message)
	detail := map[string]any{}
	if result != nil {
		detail["commit"] = result.Commit
		detail["files"] = len(result.FilesChanged)
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	g.auditor.Record(ctx, id, "git.commit", sh.Sandbox().GitBranch, security.Outcome(err), detail)
	if err != nil {
		return nil, err
	}

	pushed, err := g.push(ctx, sh, result.Branch)
	if pushed || err != nil {
		g.auditor.Record(ctx, id, "git.push", result.Branch, security.Outcome(err), errDetail(err))
	}
	if err != nil {
		return result, err
	}
	result.Pushed = pushed

	g.logger.InfoContext(ctx, "changes committed",
		slog.String("sandbox_id", id.String()),
		slog.String("branch", result.Branch),
		slog.String("commit", result.Commit),
		slog.Bool("pushed", pushed),
	)
	return result, nil
}

func (g *Gateway) commit(ctx context.Context, sh *controller.Shell, message string) (*CommitResult, error) {
	if _, err := sh.MustRun(ctx, workspaceReq(controller.GitCommand("add", "-A"))); err != nil {
		return nil, err
	}
	staged, err := sh.MustRun(ctx, workspaceReq(controller.GitCommand("diff", "--cached", "--name-only", "-z")))
	if err != nil {
		return nil, err
	}
	var files []string
	for _, f := range strings.Split(staged.Stdout, "\x00") {
		if f != "" {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return nil, ErrNothingToCommit
	}

	if _, err := sh.MustRun(ctx, workspaceReq(controller.GitCommand(
		"-c", "user.name="+g.author.Name,
		"-c", "user.email="+g.author.Email,
		"commit", "--quiet", "--no-verify", "-m", message,
	))); err != nil {
		return nil, err
	}

	head, err := sh.MustRun(ctx, workspaceReq(controller.GitCommand("rev-parse", "HEAD")))
	if err != nil {
		return nil, err
	}
	branch, err := sh.MustRun(ctx, workspaceReq(controller.GitCommand("rev-parse", "--abbrev-ref", "HEAD")))
	if err != nil {
		return nil, err
	}
	return &CommitResult{
		Commit:       strings.TrimSpace(head.Stdout),
		Branch:       strings.TrimSpace(branch.Stdout),
		FilesChanged: files,
	}, nil
}

// push returns false without error when the repository has no origin.
func (g *Gateway) push(ctx context.Context, sh *controller.Shell, branch string) (bool, error) {
	remote, err := sh.Run(ctx, workspaceReq(controller.GitCommand("remote", "get-url", "origin")))
	if err != nil {
		return false, err
	}
	if remote.ExitCode != 0 {
		return false, nil
	}

	res, err := sh.Run(ctx, sandbox.ExecRequest{
		Command:    controller.GitCommand("push", "--quiet", "--set-upstream", "origin", "HEAD:refs/heads/"+branch),
		WorkingDir: domain.WorkspaceRoot,
		Env:        g.ctrl.GitEnv(),
		Timeout:    g.ctrl.CloneTimeout(),
	})
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		stderr := strings.TrimSpace(res.Stderr)
		if strings.Contains(stderr, "rejected") || strings.Contains(stderr, "non-fast-forward") {
			return false, fmt.Errorf("%w: push of %s rejected: %s", domain.ErrMergeConflict, branch, stderr)
		}
		return false, fmt.Errorf("pushing %s: %s", branch, stderr)
	}
	return true, nil
}

// Publish creates branch (unless already on it), commits and pushes, then
// opens a pull request. It backs the publish_to_repository tool.
func (g *Gateway) Publish(ctx context.Context, id uuid.UUID, branch, title, body, base string) (*CommitResult, *PullRequest, error) {
	if err := controller.ValidateBranch(branch); err != nil {
		return nil, nil, err
	}
	if g.github == nil {
		return nil, nil, fmt.Errorf("pull requests are not configured")
	}
	var result *CommitResult
	err := g.ctrl.Exclusive(ctx, id, func(sh *controller.Shell) error {
		if sh.Sandbox().GitBranch != branch {
			err := g.createBranch(ctx, sh, branch)
			g.auditor.Record(ctx, id, "git.branch", branch, security.Outcome(err), errDetail(err))
			if err != nil {
				return err
			}
		}
		var err error
		result, err = g.commitAndPush(ctx, id, sh, title)
		if err == nil && !result.Pushed {
			err = fmt.Errorf("repository has no origin remote")
		}
		return err
	})
	if err != nil {
		return result, nil, err
	}
	pr, err := g.CreatePullRequest(ctx, id, title, body, base)
	return result, pr, err
}

// CreatePullRequest opens a pull request from the current branch. base
// defaults to the repository's default branch.
func (g *Gateway) CreatePullRequest(ctx context.Context, id uuid.UUID, title, body, base string) (*PullRequest, error) {
	if g.github == nil {
		return nil, fmt.Errorf("pull requests are not configured")
	}
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("title must not be empty")
	}
	if base != "" {
		if err := controller.ValidateBranch(base); err != nil {
			return nil, err
		}
	}

	var remote, head string
	err := g.ctrl.Exclusive(ctx, id, func(sh *controller.Shell) error {
		r, err := sh.MustRun(ctx, workspaceReq(controller.GitCommand("remote", "get-url", "origin")))
		if err != nil {
			return fmt.Errorf("resolving origin: %w", err)
		}
		b, err := sh.MustRun(ctx, workspaceReq(controller.GitCommand("rev-parse", "--abbrev-ref", "HEAD")))
		if err != nil {
			return err
		}
		remote, head = strings.TrimSpace(r.Stdout), strings.TrimSpace(b.Stdout)
		return nil
	})
	if err != nil {
		return nil, err
	}

	pr, err := g.openPullRequest(ctx, remote, head, title, body, base)
	detail := map[string]any{"head": head}
	if pr != nil {
		detail["number"] = pr.Number
		detail["url"] = pr.URL
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	g.auditor.Record(ctx, id, "git.pull_request", remote, security.Outcome(err), detail)
	return pr, err
}

func (g *Gateway) openPullRequest(ctx context.Context, remote, head, title, body, base string) (*PullRequest, error) {
	owner, repo, err := parseRemote(remote)
	if err != nil {
		return nil, err
	}
	if base == "" {
		if base, err = g.github.DefaultBranch(ctx, owner, repo); err != nil {
			return nil, err
		}
	}
	if head == base {
		return nil, fmt.Errorf("head branch %s is the base branch", head)
	}
	return g.github.CreatePullRequest(ctx, PullRequestInput{
		Owner: owner,
		Repo:  repo,
		Title: title,
		Body:  body,
		Head:  head,
		Base:  base,
	})
}
