package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/security"
	"github.com/jkaninda/kazi/internal/stream"
	"github.com/jkaninda/kazi/internal/tools"
)

// ErrEmptyMessage is returned by Run for a blank user message.
var ErrEmptyMessage = errors.New("message is empty")

// emitTimeout bounds terminal events sent after the turn context ended.
const emitTimeout = 5 * time.Second

const canceledResult = "Canceled before execution."

// turn is the state of one running loop.
type turn struct {
	a       *Agent
	session *domain.ChatSession
	sandbox domain.Sandbox
	policy  domain.Policy
	out     stream.Emitter
	logger  *slog.Logger

	text       strings.Builder
	iterations int
	tokens     int
	modified   []string
	created    []string
	pending    []string
}

// Run processes one user message: it persists the message, then alternates
// between the completion service and tool execution until the model
// answers without tool calls, a limit is hit or ctx ends. Every outcome is
// reported to out as a terminal done or error event.
//
// The returned error is nil when the turn completed or stopped on pending
// approvals. A turn stopped by a limit returns its result together with
// domain.ErrLoopLimitExceeded; a canceled turn returns its result together
// with the context error. Failures return no result.
func (a *Agent) Run(ctx context.Context, req TurnRequest, out stream.Emitter) (*TurnResult, error) {
	ctx, span := a.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("session_id", req.SessionID.String()),
		attribute.String("user_id", req.UserID),
	))
	defer span.End()

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, a.fail(ctx, span, out, nil, ErrEmptyMessage)
	}

	t, ctx, release, err := a.begin(ctx, req.SessionID, req.UserID, out)
	if err != nil {
		return nil, a.fail(ctx, span, out, nil, err)
	}
	defer release()

	first, err := t.isFirstMessage(ctx)
	if err != nil {
		return nil, a.fail(ctx, span, out, t, err)
	}
	if err := a.store.AppendMessage(ctx, &domain.ChatMessage{
		SessionID:     t.session.ID,
		Role:          domain.RoleUser,
		Content:       truncateContent(message, a.cfg.MaxMessageBytes),
		TokenEstimate: llm.EstimateTokens(message),
	}); err != nil {
		return nil, a.fail(ctx, span, out, t, fmt.Errorf("storing user message: %w", err))
	}
	if first && a.cfg.GenerateTitles && t.session.Title == domain.DefaultSessionTitle {
		a.generateTitle(ctx, t.session.ID, message)
	}

	t.emit(ctx, stream.Event{Type: stream.EventStatus, Content: "thinking"})
	return t.loop(ctx, span)
}

// begin loads the session, binds the loop to its sandbox and resolves the
// project policy. The returned context carries the acting user and session
// for auditing and is cancelled when the sandbox stops.
func (a *Agent) begin(ctx context.Context, sessionID uuid.UUID, userID string, out stream.Emitter) (*turn, context.Context, context.CancelFunc, error) {
	session, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, ctx, nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if !session.IsActive {
		return nil, ctx, nil, fmt.Errorf("%w: session %s is closed", domain.ErrInvalidState, sessionID)
	}
	sb, err := a.sandboxes.Get(ctx, session.SandboxID)
	if err != nil {
		return nil, ctx, nil, fmt.Errorf("loading sandbox: %w", err)
	}
	bctx, release, err := a.sandboxes.Bind(ctx, sb.ID)
	if err != nil {
		return nil, ctx, nil, err
	}
	policy, err := a.policies.Resolve(bctx, sb.ProjectID)
	if err != nil {
		release()
		return nil, ctx, nil, fmt.Errorf("resolving policy: %w", err)
	}
	if userID == "" {
		userID = session.UserID
	}
	bctx = security.WithActor(security.WithSession(bctx, session.ID), userID)

	t := &turn{
		a:       a,
		session: session,
		sandbox: sb,
		policy:  policy,
		out:     out,
		logger: a.logger.With(
			slog.String("session_id", session.ID.String()),
			slog.String("sandbox_id", sb.ID.String()),
		),
	}
	return t, bctx, release, nil
}

func (t *turn) isFirstMessage(ctx context.Context) (bool, error) {
	msgs, err := t.a.store.LoadMessages(ctx, t.session.ID, 1)
	if err != nil {
		return false, fmt.Errorf("loading messages: %w", err)
	}
	return len(msgs) == 0, nil
}

func (t *turn) loop(ctx context.Context, span trace.Span) (*TurnResult, error) {
	a := t.a
	for {
		if ctx.Err() != nil {
			return t.finish(ctx, span, stream.ReasonCanceled)
		}
		if t.iterations >= a.cfg.MaxIterations || t.tokens >= a.cfg.MaxTokens {
			t.logger.WarnContext(ctx, "agent loop limit reached",
				slog.Int("iterations", t.iterations),
				slog.Int("tokens", t.tokens),
			)
			return t.finish(ctx, span, stream.ReasonLoopLimitExceeded)
		}
		t.iterations++

		resp, err := t.complete(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return t.finish(ctx, span, stream.ReasonCanceled)
			}
			return nil, a.fail(ctx, span, t.out, t, err)
		}
		if resp.Content != "" {
			if t.text.Len() > 0 {
				t.text.WriteString("\n\n")
			}
			t.text.WriteString(resp.Content)
		}

		if !resp.HasToolUse() {
			msg := &domain.ChatMessage{
				SessionID:     t.session.ID,
				Role:          domain.RoleAssistant,
				Content:       resp.Content,
				ContentBlocks: marshalBlocks(resp.ContentBlocks),
				FilesModified: t.modified,
				FilesCreated:  t.created,
				TokenEstimate: resp.Usage.OutputTokens,
			}
			if err := a.store.AppendMessage(ctx, msg); err != nil {
				return nil, a.fail(ctx, span, t.out, t, fmt.Errorf("storing assistant message: %w", err))
			}
			if len(t.pending) > 0 {
				return t.finish(ctx, span, stream.ReasonAwaitingApproval)
			}
			return t.finish(ctx, span, stream.ReasonCompleted)
		}

		t.logger.InfoContext(ctx, "executing tool calls",
			slog.Int("iteration", t.iterations),
			slog.Int("tool_calls", len(resp.ToolUseBlocks())),
		)
		if err := t.runTools(ctx, resp); err != nil {
			return nil, a.fail(ctx, span, t.out, t, err)
		}
	}
}

// systemPrompt is the configured prompt followed by the project the turn
// works on.
func (t *turn) systemPrompt() string {
	var b strings.Builder
	b.WriteString(t.a.cfg.SystemPrompt)
	fmt.Fprintf(&b, "\n\nCurrent project: %s", t.sandbox.ProjectID)
	if t.sandbox.Mode != "" {
		fmt.Fprintf(&b, "\nWorkspace: %s", t.sandbox.Mode)
	}
	if t.sandbox.GitBranch != "" {
		fmt.Fprintf(&b, "\nGit branch: %s", t.sandbox.GitBranch)
	}
	return b.String()
}

// complete sends the stored history to the model, forwarding text deltas
// as they arrive when the provider streams.
func (t *turn) complete(ctx context.Context) (*llm.Response, error) {
	a := t.a
	history, err := t.history(ctx)
	if err != nil {
		return nil, err
	}
	req := &llm.Request{
		SystemPrompt: t.systemPrompt(),
		Messages:     history,
		MaxTokens:    a.cfg.MaxOutputTokens,
		Tools:        tools.Definitions(),
	}

	var resp *llm.Response
	if a.completer.Capabilities().Streaming {
		deltas := make(chan llm.StreamEvent, 16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range deltas {
				if ev.Type == "text" && ev.Content != "" {
					t.emit(ctx, stream.Event{Type: stream.EventText, Content: ev.Content})
				}
			}
		}()
		resp, err = a.completer.Stream(ctx, req, deltas)
		close(deltas)
		<-done
	} else {
		resp, err = a.completer.Complete(ctx, req)
		if err == nil && resp.Content != "" {
			t.emit(ctx, stream.Event{Type: stream.EventText, Content: resp.Content})
		}
	}
	if err != nil {
		return nil, err
	}

	used := resp.Usage.Total()
	if used == 0 {
		for _, m := range history {
			used += estimateMessageTokens(m)
		}
		used += estimateMessageTokens(llm.Message{Role: llm.RoleAssistant, ContentBlocks: resp.ContentBlocks})
	}
	t.tokens += used
	return resp, nil
}

func (t *turn) history(ctx context.Context) ([]llm.Message, error) {
	a := t.a
	msgs, err := a.store.LoadMessages(ctx, t.session.ID, a.cfg.MaxHistoryMessages)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	history := toLLMMessages(msgs, t.logger)
	if a.cfg.Summarize {
		history = summarizeHistory(ctx, a.completer, history, a.cfg.MaxHistoryMessages, t.logger)
	}
	caps := a.completer.Capabilities()
	if caps.ContextWindow > 0 {
		fixed := llm.EstimateTokens(t.systemPrompt()) + estimateToolDefTokens(tools.Definitions()) + caps.MaxOutputTokens
		history = trimToTokenBudget(history, caps.ContextWindow-fixed)
	}
	return history, nil
}

// runTools dispatches every tool call of resp in order and persists the
// assistant message together with the tool results answering it.
func (t *turn) runTools(ctx context.Context, resp *llm.Response) error {
	blocks := resp.ToolUseBlocks()
	invocations := make([]domain.ToolInvocation, 0, len(blocks))
	results := make([]llm.ContentBlock, 0, len(blocks))

	for i, b := range blocks {
		if ctx.Err() != nil {
			// Undispatched calls still need a result to keep the history valid.
			for _, rest := range blocks[i:] {
				invocations = append(invocations, domain.ToolInvocation{
					ID: rest.ID, Name: rest.Name, Args: rest.Input,
					Status: domain.InvocationDenied, Result: canceledResult,
				})
				results = append(results, llm.ToolResultBlock(rest.ID, canceledResult, true))
			}
			break
		}
		inv, result := t.dispatch(ctx, b)
		invocations = append(invocations, inv)
		results = append(results, result)
	}

	// Persist even when the turn was canceled mid-batch.
	pctx := context.WithoutCancel(ctx)
	if err := t.a.store.AppendMessage(pctx, &domain.ChatMessage{
		SessionID:     t.session.ID,
		Role:          domain.RoleAssistant,
		Content:       resp.Content,
		ContentBlocks: marshalBlocks(resp.ContentBlocks),
		ToolCalls:     invocations,
		TokenEstimate: resp.Usage.OutputTokens,
	}); err != nil {
		return fmt.Errorf("storing assistant message: %w", err)
	}
	if err := t.a.store.AppendMessage(pctx, &domain.ChatMessage{
		SessionID:     t.session.ID,
		Role:          domain.RoleTool,
		ContentBlocks: marshalBlocks(results),
	}); err != nil {
		return fmt.Errorf("storing tool results: %w", err)
	}
	return nil
}

// dispatch runs one tool call through decoding, policy and execution. It
// never fails: every problem becomes an error result for the model.
func (t *turn) dispatch(ctx context.Context, b llm.ContentBlock) (domain.ToolInvocation, llm.ContentBlock) {
	a := t.a
	ctx, span := a.tracer.Start(ctx, "agent.tool", trace.WithAttributes(attribute.String("tool", b.Name)))
	defer span.End()

	start := time.Now()
	inv := domain.ToolInvocation{ID: b.ID, Name: b.Name, Args: b.Input, Status: domain.InvocationPending}
	t.emit(ctx, stream.Event{Type: stream.EventToolCall, Tool: b.Name, ToolCallID: b.ID, Args: b.Input})

	call, err := tools.Decode(b.Name, b.Input)
	if err != nil {
		// Never reached policy, so it was never allowed to run.
		inv.Status = domain.InvocationDenied
		return t.settle(ctx, span, inv, "Error: "+err.Error(), true, "", start)
	}

	decision := a.guard.Check(ctx, t.sandbox.ID, t.policy, call.Action())
	inv.PolicyDecision = string(decision.Verdict)
	switch decision.Verdict {
	case security.VerdictDeny:
		inv.Status = domain.InvocationDenied
		return t.settle(ctx, span, inv, "Denied by policy: "+decision.Reason, true, "", start)

	case security.VerdictRequireApproval:
		if ok, reason := a.auto.ShouldAutoApprove(t.policy.ProjectID, b.Name, b.Input); ok {
			a.guard.Auditor().Record(ctx, t.sandbox.ID, "approval.auto", b.Name, domain.OutcomeSuccess,
				map[string]any{"reason": reason})
			decision = a.guard.Grant(ctx, t.sandbox.ID, t.policy, call.Action(), "auto-approval ("+reason+")")
			break
		}
		id, err := a.approvals.Create(ctx, &approval.CreateRequest{
			SandboxID: t.sandbox.ID,
			SessionID: t.session.ID,
			ProjectID: t.policy.ProjectID,
			UserID:    security.ActorFrom(ctx),
			ToolName:  b.Name,
			ToolUseID: b.ID,
			Args:      b.Input,
			RiskLevel: call.Action().RiskLevel.String(),
			Reason:    decision.Reason,
		})
		if err != nil {
			inv.Status = domain.InvocationDenied
			return t.settle(ctx, span, inv, "Error: requesting approval: "+err.Error(), true, "", start)
		}
		t.pending = append(t.pending, id)
		inv.Status = domain.InvocationAwaitingApproval
		msg := fmt.Sprintf("%s requires human approval (approval id: %s) and has not been executed yet. "+
			"Continue with other work and tell the user what is waiting for approval.", b.Name, id)
		return t.settle(ctx, span, inv, msg, false, id, start)
	}

	return t.execute(ctx, span, inv, call, decision, start)
}

// execute runs a call that passed policy and reports its side effects.
// decision must allow the call; it is recorded on the invocation and on
// the audit entries the call produces.
func (t *turn) execute(ctx context.Context, span trace.Span, inv domain.ToolInvocation, call tools.Call, decision security.Decision, start time.Time) (domain.ToolInvocation, llm.ContentBlock) {
	if !decision.Allowed() {
		inv.Status = domain.InvocationDenied
		inv.PolicyDecision = string(decision.Verdict)
		return t.settle(ctx, span, inv, "Denied by policy: "+decision.Reason, true, "", start)
	}
	inv.PolicyDecision = string(security.VerdictAllow)
	inv.Status = domain.InvocationAllowed
	ctx = security.WithDecision(ctx, decision)
	res := t.a.runner.Execute(ctx, t.sandbox.ID, t.policy, call)
	inv.Status = res.Status
	for _, d := range res.Diffs {
		t.emit(ctx, stream.Event{Type: stream.EventDiff, File: d.File, Old: d.Old, New: d.New})
	}
	for _, f := range res.FilesCreated {
		t.emit(ctx, stream.Event{Type: stream.EventFileCreated, File: f})
	}
	if res.Command != "" {
		t.emit(ctx, stream.Event{Type: stream.EventCommandOutput, Command: res.Command, Output: res.CommandOutput})
	}
	t.track(res)
	return t.settle(ctx, span, inv, res.Output, res.IsError, "", start)
}

// settle records the outcome of a call and emits its tool_result event.
func (t *turn) settle(ctx context.Context, span trace.Span, inv domain.ToolInvocation, output string, isError bool, approvalID string, start time.Time) (domain.ToolInvocation, llm.ContentBlock) {
	a := t.a
	inv.Result = truncateContent(output, a.cfg.MaxMessageBytes)
	inv.DurationMS = time.Since(start).Milliseconds()
	span.SetAttributes(attribute.String("status", string(inv.Status)))
	if isError {
		span.SetStatus(codes.Error, string(inv.Status))
	}
	if a.observer != nil {
		a.observer.ToolExecuted(inv.Name, inv.Status, time.Since(start))
	}
	t.emit(ctx, stream.Event{
		Type:       stream.EventToolResult,
		Tool:       inv.Name,
		ToolCallID: inv.ID,
		Result:     truncateEvent(output, a.cfg.EventResultBytes),
		IsError:    isError,
		ApprovalID: approvalID,
	})
	return inv, llm.ToolResultBlock(inv.ID, tools.TruncateOutput(output, tools.MaxOutputBytes), isError)
}

func (t *turn) track(res *tools.Result) {
	for _, f := range res.FilesModified {
		if !slices.Contains(t.modified, f) {
			t.modified = append(t.modified, f)
		}
	}
	for _, f := range res.FilesCreated {
		if !slices.Contains(t.created, f) {
			t.created = append(t.created, f)
		}
	}
}

// emit sends ev to the consumer. A failed emit means the consumer is gone;
// the loop keeps going until its context is cancelled.
func (t *turn) emit(ctx context.Context, ev stream.Event) {
	if err := t.out.Emit(ctx, ev); err != nil {
		t.logger.DebugContext(ctx, "event not delivered",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (t *turn) finish(ctx context.Context, span trace.Span, reason string) (*TurnResult, error) {
	a := t.a
	res := &TurnResult{
		Text:             t.text.String(),
		Reason:           reason,
		Iterations:       t.iterations,
		Tokens:           t.tokens,
		FilesModified:    t.modified,
		FilesCreated:     t.created,
		PendingApprovals: t.pending,
	}
	ev := stream.Event{
		Type:          stream.EventDone,
		Reason:        reason,
		Content:       res.Text,
		FilesModified: res.FilesModified,
		FilesCreated:  res.FilesCreated,
	}
	if len(t.pending) > 0 {
		ev.ApprovalID = t.pending[0]
	}

	var err error
	switch reason {
	case stream.ReasonLoopLimitExceeded:
		err = fmt.Errorf("%w: %d iterations, %d tokens", domain.ErrLoopLimitExceeded, t.iterations, t.tokens)
	case stream.ReasonCanceled:
		err = ctx.Err()
	}

	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()
	t.emit(ectx, ev)

	span.SetAttributes(
		attribute.String("reason", reason),
		attribute.Int("iterations", t.iterations),
		attribute.Int("tokens", t.tokens),
	)
	if a.observer != nil {
		a.observer.TurnFinished(reason, t.iterations, t.tokens)
	}
	t.logger.InfoContext(ectx, "turn finished",
		slog.String("reason", reason),
		slog.Int("iterations", t.iterations),
		slog.Int("tokens", t.tokens),
		slog.Int("files_modified", len(t.modified)),
		slog.Int("pending_approvals", len(t.pending)),
	)
	return res, err
}

// fail reports err as a terminal error event and returns it.
func (a *Agent) fail(ctx context.Context, span trace.Span, out stream.Emitter, t *turn, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	iterations, tokens := 0, 0
	if t != nil {
		iterations, tokens = t.iterations, t.tokens
	}
	if a.observer != nil {
		a.observer.TurnFinished("error", iterations, tokens)
	}
	a.logger.ErrorContext(ctx, "turn failed",
		slog.Int("iterations", iterations),
		slog.String("error", err.Error()),
	)
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()
	if emitErr := out.Emit(ectx, stream.Event{Type: stream.EventError, Content: err.Error()}); emitErr != nil {
		a.logger.DebugContext(ctx, "error event not delivered", slog.String("error", emitErr.Error()))
	}
	return err
}
