// Package mcpserver exposes one sandbox's file and git operations as MCP
// tools over stdio. Every call goes through the project's policy exactly
// like a call made by the agent loop.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/fileops"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/security"
	"github.com/jkaninda/kazi/internal/tools"
)

const (
	toolGitStatus = "git_status"
	toolGitDiff   = "git_diff"

	// Actor recorded in the audit trail for MCP calls.
	Actor = "mcp"
)

// Sandboxes looks up sandboxes.
type Sandboxes interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Sandbox, error)
}

// Policies resolves project policies.
type Policies interface {
	Resolve(ctx context.Context, projectID string) (domain.Policy, error)
}

// Checker evaluates and audits an action. *security.Guard implements it.
type Checker interface {
	Check(ctx context.Context, sandboxID uuid.UUID, policy domain.Policy, action security.Action) security.Decision
}

// Runner executes decoded tool calls. *tools.Executor implements it.
type Runner interface {
	Execute(ctx context.Context, sandboxID uuid.UUID, policy domain.Policy, call tools.Call) *tools.Result
}

// Git is the read-only part of the git gateway.
type Git interface {
	GitStatus(ctx context.Context, id uuid.UUID) (*fileops.GitStatus, error)
	GitDiff(ctx context.Context, id uuid.UUID, file string) (string, error)
}

// Deps are the components an MCP server calls into.
type Deps struct {
	Sandboxes Sandboxes
	Policies  Policies
	Guard     Checker
	Runner    Runner
	Git       Git
}

// Server serves one sandbox.
type Server struct {
	sandboxID uuid.UUID
	deps      Deps
	mcp       *server.MCPServer
	logger    *slog.Logger
}

type toolEntry struct {
	tool    mcp.Tool
	handler server.ToolHandlerFunc
}

// New creates a server for sandboxID and registers its tools.
func New(sandboxID uuid.UUID, deps Deps, logger *slog.Logger) (*Server, error) {
	s := &Server{
		sandboxID: sandboxID,
		deps:      deps,
		logger:    logger.With(slog.String("sandbox_id", sandboxID.String())),
		mcp: server.NewMCPServer("kazi", observability.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	entries, err := s.tools()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		s.mcp.AddTool(e.tool, e.handler)
	}
	return s, nil
}

// Serve reads JSON-RPC requests from in and writes responses to out until
// ctx is canceled or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp server listening on stdio")
	return stdio.Listen(ctx, in, out)
}

func (s *Server) tools() ([]toolEntry, error) {
	defs := tools.Definitions()
	entries := make([]toolEntry, 0, len(defs)+2)
	for _, d := range defs {
		schema, err := json.Marshal(d.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("encoding schema of %s: %w", d.Name, err)
		}
		entries = append(entries, toolEntry{
			tool:    mcp.NewToolWithRawSchema(d.Name, d.Description, schema),
			handler: s.callTool,
		})
	}
	entries = append(entries,
		toolEntry{
			tool: mcp.NewTool(toolGitStatus,
				mcp.WithDescription("Show the current branch, its upstream tracking and the changed paths of the workspace."),
			),
			handler: s.gitStatus,
		},
		toolEntry{
			tool: mcp.NewTool(toolGitDiff,
				mcp.WithDescription("Show uncommitted changes, optionally for a single file."),
				mcp.WithString("file", mcp.Description("File path relative to the workspace root")),
			),
			handler: s.gitDiff,
		},
	)
	return entries, nil
}

// callTool decodes, authorizes and executes an agent tool.
func (s *Server) callTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.Params.Name
	args, err := json.Marshal(req.GetArguments())
	if err != nil {
		return mcp.NewToolResultError("Error: encoding arguments: " + err.Error()), nil
	}
	call, err := tools.Decode(name, args)
	if err != nil {
		return mcp.NewToolResultError("Error: " + err.Error()), nil
	}

	sb, policy, err := s.resolve(ctx)
	if err != nil {
		return mcp.NewToolResultError("Error: " + err.Error()), nil
	}
	ctx = security.WithActor(ctx, Actor)

	decision := s.deps.Guard.Check(ctx, sb.ID, policy, call.Action())
	switch decision.Verdict {
	case security.VerdictDeny:
		return mcp.NewToolResultError("Denied by policy: " + decision.Reason), nil
	case security.VerdictRequireApproval:
		return mcp.NewToolResultError(fmt.Sprintf(
			"%s requires human approval (%s) and was not executed. Run it from an agent session instead.",
			name, decision.Reason)), nil
	}

	res := s.deps.Runner.Execute(security.WithDecision(ctx, decision), sb.ID, policy, call)
	s.logger.DebugContext(ctx, "mcp tool executed",
		slog.String("tool", name),
		slog.String("status", string(res.Status)),
	)
	if res.IsError {
		return mcp.NewToolResultError(res.Output), nil
	}
	return mcp.NewToolResultText(res.Output), nil
}

func (s *Server) gitStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.deps.Git.GitStatus(ctx, s.sandboxID)
	if err != nil {
		return mcp.NewToolResultError("Error: " + err.Error()), nil
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) gitDiff(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	file, _ := req.GetArguments()["file"].(string)
	diff, err := s.deps.Git.GitDiff(ctx, s.sandboxID, file)
	if err != nil {
		return mcp.NewToolResultError("Error: " + err.Error()), nil
	}
	if diff == "" {
		diff = "No changes."
	}
	return mcp.NewToolResultText(tools.TruncateOutput(diff, tools.MaxOutputBytes)), nil
}

func (s *Server) resolve(ctx context.Context) (domain.Sandbox, domain.Policy, error) {
	sb, err := s.deps.Sandboxes.Get(ctx, s.sandboxID)
	if err != nil {
		return sb, domain.Policy{}, err
	}
	if sb.State != domain.StateRunning {
		return sb, domain.Policy{}, &domain.TransitionError{Op: "use", State: sb.State}
	}
	policy, err := s.deps.Policies.Resolve(ctx, sb.ProjectID)
	return sb, policy, err
}
