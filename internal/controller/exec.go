package controller

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/security"
)

// Shell runs commands in a sandbox whose lock is held by the caller.
// It is only valid inside Exclusive.
type Shell struct {
	c *Controller
	e *entry
}

// Sandbox returns the current sandbox record.
func (s *Shell) Sandbox() domain.Sandbox { return s.e.snapshot() }

// Run executes a command. The timeout defaults to 30s and is capped at 300s.
// A timed-out command returns its partial result together with an error
// matching domain.ErrCommandTimeout. Cancelling ctx does not interrupt a
// running command; only the timeout does.
func (s *Shell) Run(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	return s.run(ctx, req, false)
}

// SetBranch records a branch switch performed through the shell.
func (s *Shell) SetBranch(ctx context.Context, branch string) {
	s.e.mu.Lock()
	s.e.sb.GitBranch = branch
	s.e.sb.UpdatedAt = time.Now().UTC()
	snap := s.e.sb
	s.e.mu.Unlock()
	s.c.persist(ctx, snap)
}

func (s *Shell) run(ctx context.Context, req sandbox.ExecRequest, check bool) (*sandbox.ExecResult, error) {
	req.Timeout = s.c.clampTimeout(req.Timeout)
	sb := s.e.snapshot()

	res, err := s.c.runtime.Exec(context.WithoutCancel(ctx), sb.ContainerRef, req)
	if err != nil {
		return nil, err
	}
	if s.c.observer != nil {
		s.c.observer.CommandExecuted(res.Duration, res.ExitCode, res.TimedOut)
	}
	if res.TimedOut {
		return res, fmt.Errorf("%s: %w after %s", shellquote.Join(req.Command...), domain.ErrCommandTimeout, req.Timeout)
	}
	if check && res.ExitCode != 0 {
		return res, fmt.Errorf("%s exited %d: %s", shellquote.Join(req.Command...), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

// mustRun runs argv and fails on a non-zero exit code.
func (s *Shell) mustRun(ctx context.Context, argv []string, timeout time.Duration) (*sandbox.ExecResult, error) {
	return s.run(ctx, sandbox.ExecRequest{Command: argv, Timeout: timeout}, true)
}

// MustRun is the exported form of mustRun for gateways composing git templates.
func (s *Shell) MustRun(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	return s.run(ctx, req, true)
}

func (c *Controller) clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return c.cfg.DefaultExecTimeout
	}
	if d > c.cfg.MaxExecTimeout {
		return c.cfg.MaxExecTimeout
	}
	return d
}

// Exclusive holds the sandbox lock while fn runs. The sandbox must be running.
func (c *Controller) Exclusive(ctx context.Context, id uuid.UUID, fn func(sh *Shell) error) error {
	e, err := c.lockSandbox(ctx, id)
	if err != nil {
		return err
	}
	defer e.release()

	if state := e.snapshot().State; state != domain.StateRunning {
		return &domain.TransitionError{Op: "exec in", State: state}
	}
	return fn(&Shell{c: c, e: e})
}

// Exec runs a user-supplied command after checking the project's command
// allowlist. Denied commands never reach the runtime.
func (c *Controller) Exec(ctx context.Context, id uuid.UUID, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	sb, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	policy := domain.Policy{ProjectID: sb.ProjectID}
	if c.policies != nil {
		if policy, err = c.policies.Resolve(ctx, sb.ProjectID); err != nil {
			return nil, err
		}
	}
	target := shellquote.Join(req.Command...)
	if err := security.CheckCommandAllowed(req.Command, policy.CommandAllowlist); err != nil {
		c.auditor.Record(ctx, id, "exec", target, domain.OutcomeDenied, map[string]any{"reason": err.Error()})
		return nil, err
	}

	var res *sandbox.ExecResult
	err = c.Exclusive(ctx, id, func(sh *Shell) error {
		var runErr error
		res, runErr = sh.Run(ctx, req)
		return runErr
	})

	detail := map[string]any{}
	if res != nil {
		c.logExec(ctx, id, req.Command, res)
		detail["exit_code"] = res.ExitCode
		detail["duration_ms"] = res.Duration.Milliseconds()
		detail["timed_out"] = res.TimedOut
	}
	outcome := domain.OutcomeSuccess
	if err != nil || (res != nil && res.ExitCode != 0) {
		outcome = domain.OutcomeFailure
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	c.auditor.Record(ctx, id, "exec", target, outcome, detail)
	return res, err
}

// Bind returns a context that is cancelled when the sandbox is stopped or
// destroyed. Agent loops run under it; cancel releases the binding.
func (c *Controller) Bind(ctx context.Context, id uuid.UUID) (context.Context, context.CancelFunc, error) {
	e, err := c.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sb.State != domain.StateRunning {
		return nil, nil, &domain.TransitionError{Op: "bind to", State: e.sb.State}
	}

	bctx, cancel := context.WithCancel(ctx)
	key := e.nextBind
	e.nextBind++
	e.binds[key] = cancel

	release := func() {
		cancel()
		e.mu.Lock()
		delete(e.binds, key)
		e.mu.Unlock()
	}
	return bctx, release, nil
}

// GitCommand builds a git argv with settings needed inside shared volumes.
func GitCommand(args ...string) []string {
	base := []string{"git", "-c", "safe.directory=*", "-c", "core.quotePath=false"}
	return append(base, args...)
}

// GitEnv returns environment for git commands that reach a remote. The
// token is passed through GIT_CONFIG_* variables so it never appears in argv.
func (c *Controller) GitEnv() map[string]string {
	env := map[string]string{"GIT_TERMINAL_PROMPT": "0"}
	if c.cfg.GitToken != "" {
		cred := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + c.cfg.GitToken))
		env["GIT_CONFIG_COUNT"] = "1"
		env["GIT_CONFIG_KEY_0"] = "http.extraHeader"
		env["GIT_CONFIG_VALUE_0"] = "Authorization: Basic " + cred
	}
	return env
}

// CloneTimeout is the timeout applied to commands talking to a remote.
func (c *Controller) CloneTimeout() time.Duration { return c.cfg.CloneTimeout }

// ValidateBranch applies the subset of git-check-ref-format rules that
// matter for names passed as argv.
func ValidateBranch(name string) error {
	bad := func(reason string) error {
		return fmt.Errorf("invalid branch name %q: %s", name, reason)
	}
	switch {
	case name == "" || name == "@":
		return bad("empty")
	case len(name) > 255:
		return bad("too long")
	case strings.HasPrefix(name, "-"), strings.HasPrefix(name, "/"):
		return bad("must not start with '-' or '/'")
	case strings.HasSuffix(name, "/"), strings.HasSuffix(name, "."), strings.HasSuffix(name, ".lock"):
		return bad("invalid suffix")
	case strings.Contains(name, ".."), strings.Contains(name, "//"), strings.Contains(name, "@{"):
		return bad("invalid sequence")
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
			return bad(fmt.Sprintf("invalid character %q", r))
		}
	}
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") {
			return bad("component starts with '.'")
		}
	}
	return nil
}

func trimLine(s string) string {
	return strings.TrimSpace(s)
}

func (c *Controller) logExec(ctx context.Context, id uuid.UUID, argv []string, res *sandbox.ExecResult) {
	c.logger.DebugContext(ctx, "sandbox command finished",
		slog.String("sandbox_id", id.String()),
		slog.String("command", shellquote.Join(argv...)),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", res.Duration),
	)
}
