// Package agent runs the tool-use loop of a chat session: it sends the
// conversation to the completion service, evaluates every requested tool
// call against the project policy, dispatches allowed calls into the
// sandbox and feeds the results back until the model answers in plain text
// or a hard limit is reached. Progress is reported as stream events.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/controller"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/security"
	"github.com/jkaninda/kazi/internal/tools"
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxIterations      = 25
	DefaultMaxTokens          = 200_000
	DefaultMaxHistoryMessages = 100
	DefaultMaxMessageBytes    = 32768
	DefaultEventResultBytes   = 500
)

// DefaultSystemPrompt is used when Config.SystemPrompt is empty.
const DefaultSystemPrompt = `You are a software engineering agent working inside an isolated sandbox.
The project repository is mounted at /workspace; every path you pass to a tool is relative to it.
Inspect files before changing them, keep edits minimal, and run the project's tests when you can.
Some actions are blocked or need human approval; when a tool result says so, do not retry the same action.
When you are done, reply with a short summary of what you changed.`

// Config bounds a turn.
type Config struct {
	MaxIterations      int    `yaml:"max_iterations" json:"max_iterations"`
	MaxTokens          int    `yaml:"max_tokens" json:"max_tokens"` // per turn, input plus output
	MaxOutputTokens    int    `yaml:"max_output_tokens" json:"max_output_tokens"`
	MaxHistoryMessages int    `yaml:"max_history_messages" json:"max_history_messages"`
	MaxMessageBytes    int    `yaml:"max_message_bytes" json:"max_message_bytes"`
	EventResultBytes   int    `yaml:"event_result_bytes" json:"event_result_bytes"` // tool_result event payload cap
	SystemPrompt       string `yaml:"system_prompt" json:"system_prompt"`
	Summarize          bool   `yaml:"summarize" json:"summarize"`
	GenerateTitles     bool   `yaml:"generate_titles" json:"generate_titles"`
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxHistoryMessages <= 0 {
		c.MaxHistoryMessages = DefaultMaxHistoryMessages
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.EventResultBytes <= 0 {
		c.EventResultBytes = DefaultEventResultBytes
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	return c
}

// Sandboxes is the part of the sandbox controller the loop needs.
type Sandboxes interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Sandbox, error)
	// Bind returns a context cancelled when the sandbox stops or is destroyed.
	Bind(ctx context.Context, id uuid.UUID) (context.Context, context.CancelFunc, error)
}

// ToolRunner executes decoded calls inside a sandbox. Policy for the call
// has already been checked by the loop.
type ToolRunner interface {
	Execute(ctx context.Context, sandboxID uuid.UUID, policy domain.Policy, call tools.Call) *tools.Result
}

// SessionStore persists sessions and their ordered messages.
type SessionStore interface {
	GetSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error)
	UpdateSessionTitle(ctx context.Context, id uuid.UUID, title string) error
	// AppendMessage assigns ID, Seq and CreatedAt.
	AppendMessage(ctx context.Context, msg *domain.ChatMessage) error
	// LoadMessages returns the newest limit messages, oldest first.
	LoadMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error)
	// UpdateToolResult replaces the recorded outcome of a tool call: the
	// invocation on the assistant message and the tool_result block that
	// answers it.
	UpdateToolResult(ctx context.Context, sessionID uuid.UUID, toolUseID string, inv domain.ToolInvocation, isError bool) error
}

// Observer receives loop events (metrics hook).
type Observer interface {
	ToolExecuted(tool string, status domain.InvocationStatus, duration time.Duration)
	TurnFinished(reason string, iterations, tokens int)
}

// TurnRequest is one user message entering a session.
type TurnRequest struct {
	SessionID uuid.UUID
	UserID    string
	Message   string
}

// TurnResult summarizes a finished turn.
type TurnResult struct {
	Text             string
	Reason           string
	Iterations       int
	Tokens           int
	FilesModified    []string
	FilesCreated     []string
	PendingApprovals []string
}

// Agent runs turns. It holds no per-session state; concurrent turns of the
// same session are prevented by the stream hub.
type Agent struct {
	completer llm.Completer
	sandboxes Sandboxes
	policies  controller.PolicySource
	guard     *security.Guard
	runner    ToolRunner
	store     SessionStore
	approvals approval.ApprovalManager
	auto      *approval.AutoApprover // nil = every approval goes to a human
	observer  Observer
	tracer    trace.Tracer
	cfg       Config
	logger    *slog.Logger
}

// New creates an Agent.
func New(
	completer llm.Completer,
	sandboxes Sandboxes,
	policies controller.PolicySource,
	guard *security.Guard,
	runner ToolRunner,
	store SessionStore,
	approvals approval.ApprovalManager,
	cfg Config,
	logger *slog.Logger,
) *Agent {
	return &Agent{
		completer: completer,
		sandboxes: sandboxes,
		policies:  policies,
		guard:     guard,
		runner:    runner,
		store:     store,
		approvals: approvals,
		tracer:    noop.NewTracerProvider().Tracer(""),
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// WithAutoApprover enables learned auto-approval.
func (a *Agent) WithAutoApprover(aa *approval.AutoApprover) *Agent {
	a.auto = aa
	return a
}

// WithObserver sets a metrics observer.
func (a *Agent) WithObserver(o Observer) *Agent {
	a.observer = o
	return a
}

// WithTracer sets the tracer used for turn and tool spans.
func (a *Agent) WithTracer(t trace.Tracer) *Agent {
	if t != nil {
		a.tracer = t
	}
	return a
}

// Config returns the effective configuration.
func (a *Agent) Config() Config { return a.cfg }
