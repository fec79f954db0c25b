package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/jkaninda/kazi/internal/controller"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/fileops"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/security"
)

// maxCommandOutput caps command output carried by command_output events.
const maxCommandOutput = 2000

// Diff is the before and after content of an edited file.
type Diff struct {
	File string
	Old  string
	New  string
}

// Result is the outcome of one executed call. Output is what the model sees.
type Result struct {
	Output        string
	IsError       bool
	Status        domain.InvocationStatus
	FilesModified []string
	FilesCreated  []string
	Diffs         []Diff
	Command       string // rendered command line for run_command and deploy
	CommandOutput string // truncated combined output for command_output events
}

func failure(err error) *Result {
	status := domain.InvocationFailed
	if errors.Is(err, domain.ErrCommandTimeout) {
		status = domain.InvocationTimedOut
	}
	return &Result{Output: "Error: " + err.Error(), IsError: true, Status: status}
}

func success(output string) *Result {
	return &Result{Output: output, Status: domain.InvocationSucceeded}
}

// Executor dispatches allowed calls to the file/git gateway and the
// command executor. Policy for the call itself is checked by the caller;
// Executor only checks the individual files written by scaffold_project.
type Executor struct {
	files  *fileops.Gateway
	ctrl   *controller.Controller
	guard  *security.Guard
	logger *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(files *fileops.Gateway, ctrl *controller.Controller, guard *security.Guard, logger *slog.Logger) *Executor {
	return &Executor{files: files, ctrl: ctrl, guard: guard, logger: logger}
}

// Execute runs call inside the sandbox. Errors are reported in the result so
// they can be fed back to the model; Execute itself never fails.
func (x *Executor) Execute(ctx context.Context, sandboxID uuid.UUID, policy domain.Policy, call Call) *Result {
	start := time.Now()
	var res *Result
	switch c := call.(type) {
	case *ReadFile:
		res = x.readFile(ctx, sandboxID, c)
	case *EditFile:
		res = x.editFile(ctx, sandboxID, c)
	case *CreateFile:
		res = x.createFile(ctx, sandboxID, c)
	case *DeleteFile:
		res = x.deleteFile(ctx, sandboxID, c)
	case *SearchCodebase:
		res = x.search(ctx, sandboxID, c)
	case *ListDirectory:
		res = x.list(ctx, sandboxID, c)
	case *RunCommand:
		res = x.runCommand(ctx, sandboxID, c)
	case *CreateDirectory:
		res = x.createDirectory(ctx, sandboxID, c)
	case *ScaffoldProject:
		res = x.scaffold(ctx, sandboxID, policy, c)
	case *GitCommit:
		res = x.gitCommit(ctx, sandboxID, c)
	case *PublishToRepository:
		res = x.publish(ctx, sandboxID, c)
	case *Deploy:
		res = x.deploy(ctx, sandboxID, policy, c)
	default:
		res = failure(fmt.Errorf("%w: %q", domain.ErrUnknownTool, call.Name()))
	}
	res.Output = TruncateOutput(res.Output, MaxOutputBytes)

	x.logger.DebugContext(ctx, "tool executed",
		slog.String("sandbox_id", sandboxID.String()),
		slog.String("tool", call.Name()),
		slog.String("status", string(res.Status)),
		slog.Duration("duration", time.Since(start)),
	)
	return res
}

func (x *Executor) readFile(ctx context.Context, id uuid.UUID, c *ReadFile) *Result {
	fc, err := x.files.ReadFile(ctx, id, c.Path)
	if err != nil {
		return failure(err)
	}
	lines := strings.Count(fc.Content, "\n")
	if fc.Content != "" && !strings.HasSuffix(fc.Content, "\n") {
		lines++
	}
	return success(fmt.Sprintf("File: %s (%d lines, %d bytes)\n\n%s", fc.Path, lines, fc.Size, fc.Content))
}

func (x *Executor) editFile(ctx context.Context, id uuid.UUID, c *EditFile) *Result {
	ed, err := x.files.EditFile(ctx, id, c.Path, c.OldString, c.NewString)
	if err != nil {
		return failure(err)
	}
	res := success(fmt.Sprintf("Edited %s at line %d", ed.Path, ed.Line))
	res.FilesModified = []string{ed.Path}
	res.Diffs = []Diff{{File: ed.Path, Old: ed.Old, New: ed.New}}
	return res
}

func (x *Executor) createFile(ctx context.Context, id uuid.UUID, c *CreateFile) *Result {
	wr, err := x.files.WriteFile(ctx, id, c.Path, c.Content)
	if err != nil {
		return failure(err)
	}
	if wr.Created {
		res := success(fmt.Sprintf("Created %s (%d bytes)", wr.Path, wr.Size))
		res.FilesCreated = []string{wr.Path}
		return res
	}
	res := success(fmt.Sprintf("Overwrote %s (%d bytes)", wr.Path, wr.Size))
	res.FilesModified = []string{wr.Path}
	return res
}

func (x *Executor) deleteFile(ctx context.Context, id uuid.UUID, c *DeleteFile) *Result {
	if err := x.files.DeleteFile(ctx, id, c.Path); err != nil {
		return failure(err)
	}
	rel := policyPath(c.Path)
	res := success("Deleted " + rel)
	res.FilesModified = []string{rel}
	return res
}

func (x *Executor) search(ctx context.Context, id uuid.UUID, c *SearchCodebase) *Result {
	matches, truncated, err := x.files.SearchFiles(ctx, id, c.Query, c.Glob)
	if err != nil {
		return failure(err)
	}
	if len(matches) == 0 {
		return success(fmt.Sprintf("No matches for %q", c.Query))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d matches for %q:\n", len(matches), c.Query)
	for _, m := range matches {
		fmt.Fprintf(&b, "%s:%d: %s\n", m.Path, m.Line, m.Text)
	}
	if truncated {
		b.WriteString("... more matches omitted, narrow the query\n")
	}
	return success(b.String())
}

func (x *Executor) list(ctx context.Context, id uuid.UUID, c *ListDirectory) *Result {
	entries, truncated, err := x.files.ListFiles(ctx, id, c.Path, c.Recursive)
	if err != nil {
		return failure(err)
	}
	if len(entries) == 0 {
		return success(fmt.Sprintf("%s is empty", policyPath(c.Path)))
	}
	var b strings.Builder
	for _, e := range entries {
		switch {
		case e.Type == "dir":
			fmt.Fprintf(&b, "%s/\n", e.Path)
		case e.Binary:
			fmt.Fprintf(&b, "%s (%d bytes, binary)\n", e.Path, e.Size)
		default:
			fmt.Fprintf(&b, "%s (%d bytes)\n", e.Path, e.Size)
		}
	}
	if truncated {
		b.WriteString("... listing truncated\n")
	}
	return success(b.String())
}

func (x *Executor) runCommand(ctx context.Context, id uuid.UUID, c *RunCommand) *Result {
	cmdline := shellquote.Join(c.argv...)
	er, err := x.ctrl.Exec(ctx, id, sandbox.ExecRequest{
		Command: c.argv,
		Timeout: time.Duration(c.Timeout) * time.Second,
	})
	if er == nil {
		res := failure(err)
		res.Command = cmdline
		return res
	}
	res := commandResult(cmdline, er)
	if err != nil {
		res.Output = "Error: " + err.Error() + "\n" + res.Output
		res.IsError = true
		res.Status = failure(err).Status
	}
	return res
}

func commandResult(cmdline string, er *sandbox.ExecResult) *Result {
	var b strings.Builder
	fmt.Fprintf(&b, "Exit code: %d\n", er.ExitCode)
	if er.Stdout != "" {
		b.WriteString("\n")
		b.WriteString(er.Stdout)
	}
	if er.Stderr != "" {
		b.WriteString("\nSTDERR:\n")
		b.WriteString(er.Stderr)
	}
	out := b.String()
	res := &Result{
		Output:        out,
		Status:        domain.InvocationSucceeded,
		Command:       cmdline,
		CommandOutput: TruncateOutput(out, maxCommandOutput),
	}
	if er.ExitCode != 0 {
		res.IsError = true
		res.Status = domain.InvocationFailed
	}
	return res
}

func (x *Executor) createDirectory(ctx context.Context, id uuid.UUID, c *CreateDirectory) *Result {
	if err := x.files.CreateDirectory(ctx, id, c.Path); err != nil {
		return failure(err)
	}
	return success("Created directory " + policyPath(c.Path))
}

// scaffold writes each template file as its own policy-checked write.
// Files the policy denies or wants approved are skipped and reported.
func (x *Executor) scaffold(ctx context.Context, id uuid.UUID, policy domain.Policy, c *ScaffoldProject) *Result {
	res := &Result{Status: domain.InvocationSucceeded}
	var b strings.Builder
	fmt.Fprintf(&b, "Scaffolded %s project in %s\n", c.Template, policyPath(c.Dir))
	var skipped, failed int
	for _, f := range c.Files() {
		d := x.guard.Check(ctx, id, policy, security.Action{
			Name:      NameScaffoldProject,
			Kind:      security.KindWrite,
			RiskLevel: security.RiskMedium,
			Path:      f.Path,
			SizeBytes: int64(len(f.Content)),
		})
		if !d.Allowed() {
			skipped++
			fmt.Fprintf(&b, "skipped %s: %s\n", f.Path, d.Reason)
			continue
		}
		wr, err := x.files.WriteFile(ctx, id, f.Path, f.Content)
		if err != nil {
			failed++
			fmt.Fprintf(&b, "failed %s: %v\n", f.Path, err)
			continue
		}
		if wr.Created {
			res.FilesCreated = append(res.FilesCreated, wr.Path)
			fmt.Fprintf(&b, "created %s\n", wr.Path)
		} else {
			res.FilesModified = append(res.FilesModified, wr.Path)
			fmt.Fprintf(&b, "overwrote %s\n", wr.Path)
		}
	}
	if failed > 0 || len(res.FilesCreated)+len(res.FilesModified) == 0 {
		res.IsError = true
		res.Status = domain.InvocationFailed
	}
	if skipped > 0 {
		fmt.Fprintf(&b, "%d files skipped by policy\n", skipped)
	}
	res.Output = b.String()
	return res
}

func (x *Executor) gitCommit(ctx context.Context, id uuid.UUID, c *GitCommit) *Result {
	cr, err := x.files.CommitAndPush(ctx, id, c.Message)
	if errors.Is(err, fileops.ErrNothingToCommit) {
		return success("Nothing to commit, working tree clean")
	}
	if err != nil && cr == nil {
		return failure(err)
	}
	out := fmt.Sprintf("Committed: %s on %s (%d files changed)", shortSHA(cr.Commit), cr.Branch, len(cr.FilesChanged))
	if err != nil {
		res := failure(err)
		res.Output = out + "\nPush failed: " + err.Error()
		return res
	}
	if cr.Pushed {
		out += ", pushed to origin"
	}
	return success(out)
}

func (x *Executor) publish(ctx context.Context, id uuid.UUID, c *PublishToRepository) *Result {
	cr, pr, err := x.files.Publish(ctx, id, c.Branch, c.Title, c.Body, c.Base)
	if err != nil {
		res := failure(err)
		if cr != nil {
			res.Output = fmt.Sprintf("Committed: %s on %s\n%s", shortSHA(cr.Commit), cr.Branch, res.Output)
		}
		return res
	}
	return success(fmt.Sprintf("Published %s (%s, %d files changed)\nPull request #%d: %s",
		cr.Branch, shortSHA(cr.Commit), len(cr.FilesChanged), pr.Number, pr.URL))
}

// deploy runs the project's deploy command with DEPLOY_ENV set. It bypasses
// the command allowlist; the deploy action itself was checked by policy.
func (x *Executor) deploy(ctx context.Context, id uuid.UUID, policy domain.Policy, c *Deploy) *Result {
	if strings.TrimSpace(policy.DeployCommand) == "" {
		return failure(fmt.Errorf("project %s has no deploy command configured", policy.ProjectID))
	}
	argv, err := shellquote.Split(policy.DeployCommand)
	if err != nil || len(argv) == 0 {
		return failure(fmt.Errorf("invalid deploy command %q", policy.DeployCommand))
	}
	cmdline := shellquote.Join(argv...)

	var er *sandbox.ExecResult
	err = x.ctrl.Exclusive(ctx, id, func(sh *controller.Shell) error {
		var runErr error
		er, runErr = sh.Run(ctx, sandbox.ExecRequest{
			Command: argv,
			Env:     map[string]string{"DEPLOY_ENV": c.Environment},
			Timeout: time.Hour, // clamped to the executor maximum
		})
		return runErr
	})

	detail := map[string]any{"environment": c.Environment, "command": cmdline}
	outcome := security.Outcome(err)
	if er != nil {
		detail["exit_code"] = er.ExitCode
		if er.ExitCode != 0 {
			outcome = domain.OutcomeFailure
		}
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	x.guard.Auditor().Record(ctx, id, "deploy", c.Environment, outcome, detail)

	if er == nil {
		return failure(err)
	}
	res := commandResult(cmdline, er)
	res.Output = fmt.Sprintf("Deploy to %s\n%s", c.Environment, res.Output)
	if err != nil {
		res.IsError = true
		res.Status = failure(err).Status
	}
	return res
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
