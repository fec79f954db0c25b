package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/security"
	"github.com/jkaninda/kazi/internal/stream"
	"github.com/jkaninda/kazi/internal/tools"
)

const expiredResult = "Approval expired; the action was not executed."

// ResumeRequest is a human decision on a pending approval.
type ResumeRequest struct {
	ApprovalID string
	Approved   bool
	Resolver   string
}

// Resume resolves a pending approval, executes or discards the invocation
// it holds and continues the session's loop once no other approval of the
// session is pending. The outcome is reported to out like a Run.
func (a *Agent) Resume(ctx context.Context, req ResumeRequest, out stream.Emitter) (*TurnResult, error) {
	ctx, span := a.tracer.Start(ctx, "agent.resume", trace.WithAttributes(
		attribute.String("approval_id", req.ApprovalID),
		attribute.Bool("approved", req.Approved),
	))
	defer span.End()

	pa, err := a.approvals.Get(ctx, req.ApprovalID)
	if err != nil {
		return nil, a.fail(ctx, span, out, nil, err)
	}
	t, ctx, release, err := a.begin(ctx, pa.SessionID, pa.UserID, out)
	if err != nil {
		return nil, a.fail(ctx, span, out, nil, err)
	}
	defer release()

	verb := "deny"
	if req.Approved {
		verb = "approve"
		pa, err = a.approvals.Approve(ctx, req.ApprovalID, req.Resolver)
	} else {
		pa, err = a.approvals.Deny(ctx, req.ApprovalID, req.Resolver)
	}
	if err != nil {
		return nil, a.fail(ctx, span, out, t, err)
	}
	a.guard.Auditor().Record(security.WithActor(ctx, req.Resolver), t.sandbox.ID, "approval."+verb, pa.ToolName,
		domain.OutcomeSuccess, map[string]any{"approval_id": pa.ID})
	t.logger.InfoContext(ctx, "resuming after approval decision",
		slog.String("approval_id", pa.ID),
		slog.String("tool", pa.ToolName),
		slog.String("resolver", req.Resolver),
		slog.Bool("approved", req.Approved),
	)

	inv, isError := t.resolveInvocation(ctx, pa, req)
	if err := a.store.UpdateToolResult(ctx, t.session.ID, pa.ToolUseID, inv, isError); err != nil {
		return nil, a.fail(ctx, span, out, t, fmt.Errorf("updating tool result: %w", err))
	}
	notice := fmt.Sprintf("The pending %s call (approval %s) was %s by %s.", pa.ToolName, pa.ID, pa.Status, req.Resolver)
	if err := a.store.AppendMessage(ctx, &domain.ChatMessage{
		SessionID: t.session.ID,
		Role:      domain.RoleSystem,
		Content:   notice,
	}); err != nil {
		return nil, a.fail(ctx, span, out, t, fmt.Errorf("storing approval notice: %w", err))
	}

	pending, err := a.approvals.ListPending(ctx, t.session.ID)
	if err != nil {
		return nil, a.fail(ctx, span, out, t, err)
	}
	if len(pending) > 0 {
		for _, p := range pending {
			t.pending = append(t.pending, p.ID)
		}
		return t.finish(ctx, span, stream.ReasonAwaitingApproval)
	}
	t.emit(ctx, stream.Event{Type: stream.EventStatus, Content: "resumed"})
	return t.loop(ctx, span)
}

// resolveInvocation executes an approved invocation, or records the
// rejection, and emits its tool_call and tool_result events.
func (t *turn) resolveInvocation(ctx context.Context, pa *approval.PendingApproval, req ResumeRequest) (domain.ToolInvocation, bool) {
	a := t.a
	ctx, span := a.tracer.Start(ctx, "agent.tool", trace.WithAttributes(attribute.String("tool", pa.ToolName)))
	defer span.End()

	start := time.Now()
	inv := domain.ToolInvocation{
		ID:             pa.ToolUseID,
		Name:           pa.ToolName,
		Args:           pa.Args,
		PolicyDecision: string(security.VerdictRequireApproval),
	}
	t.emit(ctx, stream.Event{Type: stream.EventToolCall, Tool: pa.ToolName, ToolCallID: pa.ToolUseID, Args: pa.Args})

	if !req.Approved {
		inv.Status = domain.InvocationDenied
		settled, block := t.settle(ctx, span, inv, fmt.Sprintf("The user rejected %s; it was not executed.", pa.ToolName), true, "", start)
		return settled, block.IsError
	}

	call, err := tools.Decode(pa.ToolName, pa.Args)
	if err != nil {
		inv.Status = domain.InvocationDenied
		settled, block := t.settle(ctx, span, inv, "Error: "+err.Error(), true, "", start)
		return settled, block.IsError
	}
	// The policy may have changed while the approval was pending.
	d := a.guard.Grant(ctx, t.sandbox.ID, t.policy, call.Action(), req.Resolver)
	if d.Allowed() {
		a.auto.RecordManualApproval(pa.ProjectID, pa.ToolName, pa.Args)
	}
	settled, block := t.execute(ctx, span, inv, call, d, start)
	return settled, block.IsError
}

// ExpireApprovals expires approvals past their deadline and records the
// affected invocations as denied. It returns the number expired.
func (a *Agent) ExpireApprovals(ctx context.Context) (int, error) {
	expired, err := a.approvals.Expire(ctx)
	for _, pa := range expired {
		inv := domain.ToolInvocation{
			ID:             pa.ToolUseID,
			Name:           pa.ToolName,
			Args:           pa.Args,
			PolicyDecision: string(security.VerdictRequireApproval),
			Status:         domain.InvocationDenied,
			Result:         expiredResult,
		}
		if uerr := a.store.UpdateToolResult(ctx, pa.SessionID, pa.ToolUseID, inv, true); uerr != nil {
			a.logger.WarnContext(ctx, "failed to record expired approval",
				slog.String("approval_id", pa.ID),
				slog.String("error", uerr.Error()),
			)
		}
		a.guard.Auditor().Record(security.WithSession(ctx, pa.SessionID), pa.SandboxID, "approval.expire", pa.ToolName,
			domain.OutcomeDenied, map[string]any{"approval_id": pa.ID})
	}
	return len(expired), err
}
