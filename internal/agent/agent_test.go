package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/security"
	"github.com/jkaninda/kazi/internal/stream"
	"github.com/jkaninda/kazi/internal/tools"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeSandboxes struct{ sb domain.Sandbox }

func (f fakeSandboxes) Get(_ context.Context, id uuid.UUID) (domain.Sandbox, error) {
	if id != f.sb.ID {
		return domain.Sandbox{}, domain.ErrNotFound
	}
	return f.sb, nil
}

func (f fakeSandboxes) Bind(ctx context.Context, _ uuid.UUID) (context.Context, context.CancelFunc, error) {
	bctx, cancel := context.WithCancel(ctx)
	return bctx, cancel, nil
}

type staticPolicy struct{ policy domain.Policy }

func (s staticPolicy) Resolve(_ context.Context, projectID string) (domain.Policy, error) {
	p := s.policy
	p.ProjectID = projectID
	return p, nil
}

// fakeRunner records calls and answers with fn, or a generic success.
type fakeRunner struct {
	mu    sync.Mutex
	calls []tools.Call
	fn    func(ctx context.Context, call tools.Call) *tools.Result
}

func (f *fakeRunner) Execute(ctx context.Context, _ uuid.UUID, _ domain.Policy, call tools.Call) *tools.Result {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, call)
	}
	return &tools.Result{Output: "ok", Status: domain.InvocationSucceeded}
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAudit) Record(_ context.Context, e domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) Query(context.Context, domain.AuditFilter) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEntry(nil), m.entries...), nil
}

func (m *memAudit) Close() error { return nil }

func (m *memAudit) outcomes(action string) []domain.AuditOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditOutcome
	for _, e := range m.entries {
		if e.Action == action {
			out = append(out, e.Outcome)
		}
	}
	return out
}

type fixture struct {
	agent     *Agent
	completer *llm.Scripted
	runner    *fakeRunner
	store     *MemoryStore
	approvals *approval.Manager
	audit     *memAudit
	session   *domain.ChatSession
}

func basePolicy() domain.Policy {
	return domain.Policy{
		CanModifyCode:  true,
		CanModifyInfra: true,
		MaxRiskLevel:   "critical",
	}
}

func newFixture(t *testing.T, completer *llm.Scripted, policy domain.Policy, cfg Config) *fixture {
	t.Helper()
	logger := testLogger()
	sb := domain.Sandbox{ID: uuid.New(), ProjectID: "demo", State: domain.StateRunning}
	audit := &memAudit{}
	guard := security.NewGuard(security.NewPolicyEnforcer(logger), security.NewAuditor(audit, logger), logger)
	store := NewMemoryStore()
	session := &domain.ChatSession{SandboxID: sb.ID, ProjectID: sb.ProjectID, UserID: "alice"}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatal(err)
	}
	approvals := approval.NewManager(approval.NewMemoryStore(), time.Hour, logger)
	runner := &fakeRunner{}
	a := New(completer, fakeSandboxes{sb: sb}, staticPolicy{policy: policy}, guard, runner, store, approvals, cfg, logger)
	return &fixture{
		agent:     a,
		completer: completer,
		runner:    runner,
		store:     store,
		approvals: approvals,
		audit:     audit,
		session:   session,
	}
}

// run executes fn against a fresh stream and returns the events it produced.
func (f *fixture) run(t *testing.T, fn func(out stream.Emitter) (*TurnResult, error)) (*TurnResult, []stream.Event, error) {
	t.Helper()
	st := stream.New(f.session.ID, 512, 1)
	res, err := fn(st)
	st.Close()
	var events []stream.Event
	for ev := range st.Events() {
		events = append(events, ev)
	}
	if len(events) == 0 || !events[len(events)-1].Type.Terminal() {
		t.Fatalf("stream did not end with a terminal event: %+v", events)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq != events[i-1].Seq+1 {
			t.Fatalf("non-contiguous sequence at %d: %d after %d", i, events[i].Seq, events[i-1].Seq)
		}
	}
	return res, events, err
}

func (f *fixture) turn(t *testing.T, message string) (*TurnResult, []stream.Event, error) {
	return f.run(t, func(out stream.Emitter) (*TurnResult, error) {
		return f.agent.Run(context.Background(), TurnRequest{SessionID: f.session.ID, UserID: "alice", Message: message}, out)
	})
}

func (f *fixture) messages(t *testing.T) []domain.ChatMessage {
	t.Helper()
	msgs, err := f.store.LoadMessages(context.Background(), f.session.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

// checkRanOnlyWhenAllowed fails when an invocation ran without an allow decision.
func checkRanOnlyWhenAllowed(t *testing.T, msgs []domain.ChatMessage) {
	t.Helper()
	for _, m := range msgs {
		for _, inv := range m.ToolCalls {
			ran := inv.Status == domain.InvocationSucceeded || inv.Status == domain.InvocationFailed
			if ran && inv.PolicyDecision != string(security.VerdictAllow) {
				t.Errorf("invocation %s ran with policy decision %q", inv.ID, inv.PolicyDecision)
			}
		}
	}
}

func eventsOf(events []stream.Event, typ stream.EventType) []stream.Event {
	var out []stream.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func toolResults(t *testing.T, msg domain.ChatMessage) []llm.ContentBlock {
	t.Helper()
	var blocks []llm.ContentBlock
	if err := json.Unmarshal(msg.ContentBlocks, &blocks); err != nil {
		t.Fatalf("decoding blocks: %v", err)
	}
	return blocks
}

func TestRunEditThenAnswer(t *testing.T) {
	completer := llm.NewScripted(
		llm.ToolCallResponse("t1", tools.NameEditFile, map[string]string{
			"path": "main.go", "old_string": "foo", "new_string": "bar",
		}),
		llm.TextResponse("Renamed foo to bar."),
	)
	f := newFixture(t, completer, basePolicy(), Config{})
	f.runner.fn = func(_ context.Context, call tools.Call) *tools.Result {
		edit, ok := call.(*tools.EditFile)
		if !ok {
			t.Errorf("call = %T, want *tools.EditFile", call)
			return &tools.Result{Status: domain.InvocationFailed, IsError: true}
		}
		return &tools.Result{
			Output:        "Edited main.go at line 3",
			Status:        domain.InvocationSucceeded,
			FilesModified: []string{edit.Path},
			Diffs:         []tools.Diff{{File: edit.Path, Old: edit.OldString, New: edit.NewString}},
		}
	}

	res, events, err := f.turn(t, "rename foo")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Reason != stream.ReasonCompleted || res.Iterations != 2 {
		t.Errorf("result = %+v", res)
	}
	if len(res.FilesModified) != 1 || res.FilesModified[0] != "main.go" {
		t.Errorf("FilesModified = %v", res.FilesModified)
	}

	var order []stream.EventType
	for _, ev := range events {
		if ev.Type != stream.EventText {
			order = append(order, ev.Type)
		}
	}
	want := []stream.EventType{stream.EventStatus, stream.EventToolCall, stream.EventDiff, stream.EventToolResult, stream.EventDone}
	if len(order) != len(want) {
		t.Fatalf("events = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("events = %v, want %v", order, want)
		}
	}
	diff := eventsOf(events, stream.EventDiff)[0]
	if diff.File != "main.go" || diff.Old != "foo" || diff.New != "bar" {
		t.Errorf("diff event = %+v", diff)
	}
	done := events[len(events)-1]
	if done.Content != "Renamed foo to bar." || len(done.FilesModified) != 1 {
		t.Errorf("done event = %+v", done)
	}
	var text strings.Builder
	for _, ev := range eventsOf(events, stream.EventText) {
		text.WriteString(ev.Content)
	}
	if text.String() != "Renamed foo to bar." {
		t.Errorf("streamed text = %q", text.String())
	}

	msgs := f.messages(t)
	roles := []domain.MessageRole{domain.RoleUser, domain.RoleAssistant, domain.RoleTool, domain.RoleAssistant}
	if len(msgs) != len(roles) {
		t.Fatalf("stored %d messages, want %d", len(msgs), len(roles))
	}
	for i, r := range roles {
		if msgs[i].Role != r || msgs[i].Seq != i+1 {
			t.Errorf("message %d = %s/%d, want %s/%d", i, msgs[i].Role, msgs[i].Seq, r, i+1)
		}
	}
	if inv := msgs[1].ToolCalls; len(inv) != 1 || inv[0].Status != domain.InvocationSucceeded || inv[0].PolicyDecision != "allow" {
		t.Errorf("tool calls = %+v", inv)
	}
	if msgs[3].FilesModified[0] != "main.go" {
		t.Errorf("final message files = %v", msgs[3].FilesModified)
	}

	// The second request carries the tool result answering t1.
	reqs := completer.Requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != llm.RoleUser || len(last.ContentBlocks) != 1 || last.ContentBlocks[0].ToolUseID != "t1" {
		t.Errorf("second request ends with %+v", last)
	}
	if len(reqs[0].Tools) != len(tools.Names()) {
		t.Errorf("request offered %d tools", len(reqs[0].Tools))
	}
}

func TestRunDeniedByPolicy(t *testing.T) {
	completer := llm.NewScripted(
		llm.ToolCallResponse("t1", tools.NameCreateFile, map[string]string{"path": "x.txt", "content": "hi"}),
		llm.TextResponse("I am not allowed to write files."),
	)
	policy := basePolicy()
	policy.CanModifyCode = false
	f := newFixture(t, completer, policy, Config{})

	res, events, err := f.turn(t, "create x.txt")
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != stream.ReasonCompleted {
		t.Errorf("reason = %s", res.Reason)
	}
	if f.runner.count() != 0 {
		t.Error("denied call was executed")
	}
	results := eventsOf(events, stream.EventToolResult)
	if len(results) != 1 || !results[0].IsError || !strings.HasPrefix(results[0].Result, "Denied by policy") {
		t.Errorf("tool_result = %+v", results)
	}
	if got := f.audit.outcomes(tools.NameCreateFile); len(got) != 1 || got[0] != domain.OutcomeDenied {
		t.Errorf("audit outcomes = %v", got)
	}
	msgs := f.messages(t)
	if msgs[1].ToolCalls[0].Status != domain.InvocationDenied {
		t.Errorf("invocation = %+v", msgs[1].ToolCalls[0])
	}
	if blocks := toolResults(t, msgs[2]); !blocks[0].IsError {
		t.Errorf("tool_result block = %+v", blocks[0])
	}
}

func TestRunUnknownToolIsFedBack(t *testing.T) {
	completer := llm.NewScripted(
		llm.ToolCallResponse("t1", "format_disk", map[string]string{}),
		llm.TextResponse("That tool does not exist."),
	)
	f := newFixture(t, completer, basePolicy(), Config{})

	res, events, err := f.turn(t, "format")
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != stream.ReasonCompleted || completer.Calls() != 2 {
		t.Errorf("result = %+v, calls = %d", res, completer.Calls())
	}
	results := eventsOf(events, stream.EventToolResult)
	if len(results) != 1 || !strings.Contains(results[0].Result, domain.ErrUnknownTool.Error()) {
		t.Errorf("tool_result = %+v", results)
	}
	if inv := f.messages(t)[1].ToolCalls[0]; inv.Status != domain.InvocationDenied || inv.PolicyDecision != "" {
		t.Errorf("invocation = %+v", inv)
	}
	if f.runner.count() != 0 {
		t.Error("undecodable call was executed")
	}
}

func TestRunIterationLimit(t *testing.T) {
	completer := llm.NewScripted(
		llm.ToolCallResponse("t1", tools.NameReadFile, map[string]string{"path": "go.mod"}),
	)
	f := newFixture(t, completer, basePolicy(), Config{MaxIterations: 3})

	res, events, err := f.turn(t, "loop forever")
	if !errors.Is(err, domain.ErrLoopLimitExceeded) {
		t.Fatalf("Run() error = %v, want ErrLoopLimitExceeded", err)
	}
	if res == nil || res.Reason != stream.ReasonLoopLimitExceeded || res.Iterations != 3 {
		t.Errorf("result = %+v", res)
	}
	if completer.Calls() != 3 || f.runner.count() != 3 {
		t.Errorf("calls = %d, executions = %d", completer.Calls(), f.runner.count())
	}
	if done := events[len(events)-1]; done.Type != stream.EventDone || done.Reason != stream.ReasonLoopLimitExceeded {
		t.Errorf("last event = %+v", done)
	}
}

func TestRunTokenLimit(t *testing.T) {
	resp := llm.ToolCallResponse("t1", tools.NameListDirectory, map[string]string{})
	resp.Usage = llm.Usage{InputTokens: 900, OutputTokens: 200}
	completer := llm.NewScripted(resp)
	f := newFixture(t, completer, basePolicy(), Config{MaxTokens: 1000})

	res, _, err := f.turn(t, "list")
	if !errors.Is(err, domain.ErrLoopLimitExceeded) {
		t.Fatalf("Run() error = %v", err)
	}
	if completer.Calls() != 1 || res.Tokens != 1100 {
		t.Errorf("calls = %d, tokens = %d", completer.Calls(), res.Tokens)
	}
}

func TestRunCanceledBetweenCalls(t *testing.T) {
	completer := llm.NewScripted(&llm.Response{
		ContentBlocks: []llm.ContentBlock{
			llm.ToolUseBlock("t1", tools.NameReadFile, json.RawMessage(`{"path":"a.go"}`)),
			llm.ToolUseBlock("t2", tools.NameReadFile, json.RawMessage(`{"path":"b.go"}`)),
		},
		StopReason: llm.StopToolUse,
	})
	f := newFixture(t, completer, basePolicy(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.runner.fn = func(context.Context, tools.Call) *tools.Result {
		cancel()
		return &tools.Result{Output: "package a", Status: domain.InvocationSucceeded}
	}

	res, events, err := f.run(t, func(out stream.Emitter) (*TurnResult, error) {
		return f.agent.Run(ctx, TurnRequest{SessionID: f.session.ID, Message: "read both"}, out)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if res.Reason != stream.ReasonCanceled || f.runner.count() != 1 || completer.Calls() != 1 {
		t.Errorf("result = %+v, executions = %d, calls = %d", res, f.runner.count(), completer.Calls())
	}
	if done := events[len(events)-1]; done.Reason != stream.ReasonCanceled {
		t.Errorf("last event = %+v", done)
	}

	// Both calls are answered so the history stays valid.
	msgs := f.messages(t)
	blocks := toolResults(t, msgs[2])
	if len(blocks) != 2 || blocks[1].ToolUseID != "t2" || blocks[1].Text != canceledResult {
		t.Errorf("tool results = %+v", blocks)
	}
	if inv := msgs[1].ToolCalls[1]; inv.Status != domain.InvocationDenied {
		t.Errorf("undispatched invocation = %+v", inv)
	}
	checkRanOnlyWhenAllowed(t, msgs)
}

func TestRunRejectsClosedSessionAndEmptyMessage(t *testing.T) {
	f := newFixture(t, llm.NewScripted(), basePolicy(), Config{})

	_, events, err := f.turn(t, "   ")
	if !errors.Is(err, ErrEmptyMessage) || events[0].Type != stream.EventError {
		t.Errorf("empty message: err = %v, events = %+v", err, events)
	}

	if err := f.store.DeactivateSessions(context.Background(), f.session.SandboxID); err != nil {
		t.Fatal(err)
	}
	_, events, err = f.turn(t, "hello")
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("closed session: err = %v", err)
	}
	if len(events) != 1 || events[0].Type != stream.EventError {
		t.Errorf("events = %+v", events)
	}
	if f.completer.Calls() != 0 {
		t.Error("model called for a rejected turn")
	}
}

func approvalFixture(t *testing.T, responses ...*llm.Response) *fixture {
	t.Helper()
	policy := basePolicy()
	policy.RequireApprovalFor = []string{tools.NameDeploy}
	policy.DeployCommand = "make deploy"
	f := newFixture(t, llm.NewScripted(responses...), policy, Config{})
	f.runner.fn = func(_ context.Context, call tools.Call) *tools.Result {
		d := call.(*tools.Deploy)
		return &tools.Result{Output: "deployed to " + d.Environment, Status: domain.InvocationSucceeded, Command: "make deploy", CommandOutput: "ok"}
	}
	return f
}

func TestApprovalApproveResumesLoop(t *testing.T) {
	f := approvalFixture(t,
		llm.ToolCallResponse("t1", tools.NameDeploy, map[string]string{"environment": "staging"}),
		llm.TextResponse("The deployment is waiting for approval."),
		llm.TextResponse("Deployed to staging."),
	)

	res, events, err := f.turn(t, "deploy to staging")
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != stream.ReasonAwaitingApproval || len(res.PendingApprovals) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if f.runner.count() != 0 {
		t.Fatal("deploy ran before approval")
	}
	approvalID := res.PendingApprovals[0]
	results := eventsOf(events, stream.EventToolResult)
	if len(results) != 1 || results[0].ApprovalID != approvalID {
		t.Errorf("tool_result = %+v", results)
	}
	if done := events[len(events)-1]; done.ApprovalID != approvalID {
		t.Errorf("done event = %+v", done)
	}
	msgs := f.messages(t)
	if msgs[1].ToolCalls[0].Status != domain.InvocationAwaitingApproval {
		t.Errorf("invocation = %+v", msgs[1].ToolCalls[0])
	}
	if got := f.audit.outcomes(tools.NameDeploy); len(got) != 1 || got[0] != domain.OutcomeApprovalRequired {
		t.Errorf("audit = %v", got)
	}

	var cleared security.Decision
	f.runner.fn = func(ctx context.Context, call tools.Call) *tools.Result {
		cleared, _ = security.DecisionFrom(ctx)
		d := call.(*tools.Deploy)
		return &tools.Result{Output: "deployed to " + d.Environment, Status: domain.InvocationSucceeded, Command: "make deploy", CommandOutput: "ok"}
	}
	res, events, err = f.run(t, func(out stream.Emitter) (*TurnResult, error) {
		return f.agent.Resume(context.Background(), ResumeRequest{ApprovalID: approvalID, Approved: true, Resolver: "bob"}, out)
	})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.Reason != stream.ReasonCompleted || res.Text != "Deployed to staging." {
		t.Errorf("resume result = %+v", res)
	}
	if f.runner.count() != 1 {
		t.Errorf("deploy executions = %d", f.runner.count())
	}
	if len(eventsOf(events, stream.EventCommandOutput)) != 1 {
		t.Error("missing command_output event")
	}

	msgs = f.messages(t)
	if inv := msgs[1].ToolCalls[0]; inv.Status != domain.InvocationSucceeded || inv.Result != "deployed to staging" {
		t.Errorf("updated invocation = %+v", inv)
	}
	checkRanOnlyWhenAllowed(t, msgs)
	if !cleared.Allowed() || cleared.Reason != "approved by bob" {
		t.Errorf("execution decision = %+v", cleared)
	}
	if blocks := toolResults(t, msgs[2]); blocks[0].Text != "deployed to staging" || blocks[0].IsError {
		t.Errorf("updated tool result = %+v", blocks[0])
	}
	if got := f.audit.outcomes("approval.approve"); len(got) != 1 {
		t.Errorf("approval audit = %v", got)
	}

	// The continued request ends with a user-side message.
	reqs := f.completer.Requests()
	last := reqs[2].Messages[len(reqs[2].Messages)-1]
	if last.Role != llm.RoleUser || !strings.Contains(last.TextContent(), "approved by bob") {
		t.Errorf("resumed request ends with %+v", last)
	}

	// A second decision on the same approval fails.
	_, _, err = f.run(t, func(out stream.Emitter) (*TurnResult, error) {
		return f.agent.Resume(context.Background(), ResumeRequest{ApprovalID: approvalID, Approved: false, Resolver: "carol"}, out)
	})
	if !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Errorf("second Resume() error = %v", err)
	}
}

func TestApprovalDenyDoesNotExecute(t *testing.T) {
	f := approvalFixture(t,
		llm.ToolCallResponse("t1", tools.NameDeploy, map[string]string{}),
		llm.TextResponse("Waiting."),
		llm.TextResponse("Understood, not deploying."),
	)
	res, _, err := f.turn(t, "deploy")
	if err != nil {
		t.Fatal(err)
	}
	res, _, err = f.run(t, func(out stream.Emitter) (*TurnResult, error) {
		return f.agent.Resume(context.Background(), ResumeRequest{ApprovalID: res.PendingApprovals[0], Resolver: "bob"}, out)
	})
	if err != nil || res.Reason != stream.ReasonCompleted {
		t.Fatalf("Resume() = %+v, %v", res, err)
	}
	if f.runner.count() != 0 {
		t.Error("denied deploy was executed")
	}
	if inv := f.messages(t)[1].ToolCalls[0]; inv.Status != domain.InvocationDenied {
		t.Errorf("invocation = %+v", inv)
	}
}

func TestExpireApprovals(t *testing.T) {
	logger := testLogger()
	f := approvalFixture(t,
		llm.ToolCallResponse("t1", tools.NameDeploy, map[string]string{}),
		llm.TextResponse("Waiting."),
	)
	// Swap in a manager whose approvals expire almost immediately.
	f.approvals = approval.NewManager(approval.NewMemoryStore(), time.Millisecond, logger)
	f.agent.approvals = f.approvals

	if _, _, err := f.turn(t, "deploy"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	n, err := f.agent.ExpireApprovals(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("ExpireApprovals() = %d, %v", n, err)
	}
	msgs := f.messages(t)
	if inv := msgs[1].ToolCalls[0]; inv.Status != domain.InvocationDenied || inv.Result != expiredResult {
		t.Errorf("invocation = %+v", inv)
	}
	if blocks := toolResults(t, msgs[2]); blocks[0].Text != expiredResult || !blocks[0].IsError {
		t.Errorf("tool result = %+v", blocks[0])
	}
	if got := f.audit.outcomes("approval.expire"); len(got) != 1 || got[0] != domain.OutcomeDenied {
		t.Errorf("audit = %v", got)
	}
}

func TestAutoApproval(t *testing.T) {
	f := approvalFixture(t,
		llm.ToolCallResponse("t1", tools.NameDeploy, map[string]string{"environment": "staging"}),
		llm.TextResponse("Deployed."),
	)
	auto := approval.NewAutoApprover(approval.AutoApprovalConfig{
		Enabled:           true,
		AllowedTools:      []string{tools.NameDeploy},
		RequiredApprovals: 1,
	}, testLogger())
	auto.RecordManualApproval("demo", tools.NameDeploy, json.RawMessage(`{"environment":"staging"}`))
	f.agent.WithAutoApprover(auto)

	res, _, err := f.turn(t, "deploy")
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != stream.ReasonCompleted || f.runner.count() != 1 {
		t.Errorf("result = %+v, executions = %d", res, f.runner.count())
	}
	msgs := f.messages(t)
	if inv := msgs[1].ToolCalls[0]; inv.PolicyDecision != "allow" || inv.Status != domain.InvocationSucceeded {
		t.Errorf("invocation = %+v", inv)
	}
	checkRanOnlyWhenAllowed(t, msgs)
}

func TestSystemPromptNamesProject(t *testing.T) {
	completer := llm.NewScripted(llm.TextResponse("ok"))
	f := newFixture(t, completer, basePolicy(), Config{SystemPrompt: "Be brief."})
	sb := f.agent.sandboxes.(fakeSandboxes).sb
	sb.Mode, sb.GitBranch = domain.ModeClone, "feature/login"
	f.agent.sandboxes = fakeSandboxes{sb: sb}

	if _, _, err := f.turn(t, "hello"); err != nil {
		t.Fatal(err)
	}
	want := "Be brief.\n\nCurrent project: demo\nWorkspace: clone\nGit branch: feature/login"
	if got := completer.Requests()[0].SystemPrompt; got != want {
		t.Errorf("system prompt = %q, want %q", got, want)
	}
}

func TestTitleGeneratedFromFirstMessage(t *testing.T) {
	completer := llm.NewScriptFunc(func(req *llm.Request, _ int) (*llm.Response, error) {
		if req.ToolChoice == titleSchema.Name {
			return llm.ToolCallResponse("title", titleSchema.Name, map[string]string{"title": `  "Fix the   build." `}), nil
		}
		return llm.TextResponse("Sure."), nil
	})
	f := newFixture(t, completer, basePolicy(), Config{GenerateTitles: true})

	if _, _, err := f.turn(t, "the build is broken, please fix"); err != nil {
		t.Fatal(err)
	}
	sess, _ := f.store.GetSession(context.Background(), f.session.ID)
	if sess.Title != "Fix the build" {
		t.Errorf("title = %q", sess.Title)
	}

	// Only the first message names the session.
	if err := f.store.UpdateSessionTitle(context.Background(), f.session.ID, domain.DefaultSessionTitle); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.turn(t, "again"); err != nil {
		t.Fatal(err)
	}
	if sess, _ := f.store.GetSession(context.Background(), f.session.ID); sess.Title != domain.DefaultSessionTitle {
		t.Errorf("title regenerated: %q", sess.Title)
	}
}

func TestToLLMMessages(t *testing.T) {
	use := marshalBlocks([]llm.ContentBlock{llm.ToolUseBlock("t1", "read_file", nil)})
	result := marshalBlocks([]llm.ContentBlock{llm.ToolResultBlock("t1", "data", false)})
	msgs := []domain.ChatMessage{
		{Role: domain.RoleTool, ContentBlocks: result}, // orphaned by truncation
		{Role: domain.RoleUser, Content: "read it"},
		{Role: domain.RoleAssistant, ContentBlocks: use},
		{Role: domain.RoleTool, ContentBlocks: result},
		{Role: domain.RoleUser, Content: "and now?"},
		{Role: domain.RoleAssistant, Content: "done"},
		{Role: domain.RoleSystem, Content: "approved"},
	}
	got := toLLMMessages(msgs, testLogger())
	if len(got) != 5 {
		t.Fatalf("got %d messages: %+v", len(got), got)
	}
	if got[0].Content != "read it" {
		t.Errorf("first message = %+v", got[0])
	}
	// tool_result and the following user text are merged into one user message.
	if got[2].Role != llm.RoleUser || len(got[2].ContentBlocks) != 2 || got[2].ContentBlocks[1].Text != "and now?" {
		t.Errorf("merged message = %+v", got[2])
	}
	if got[4].Role != llm.RoleUser || got[4].Content != "[notice] approved" {
		t.Errorf("notice = %+v", got[4])
	}
}

func TestTrimToTokenBudget(t *testing.T) {
	long := strings.Repeat("x", 4000)
	history := []llm.Message{
		{Role: llm.RoleUser, Content: long},
		{Role: llm.RoleAssistant, Content: long},
		{Role: llm.RoleUser, Content: "short"},
	}
	got := trimToTokenBudget(history, 1200)
	if len(got) != 1 || got[0].Content != "short" {
		t.Errorf("trimmed = %d messages", len(got))
	}
}

func TestCleanTitle(t *testing.T) {
	tests := map[string]string{
		"  Fix   login  ":            "Fix login",
		`"Quoted."`:                  "Quoted",
		strings.Repeat("word ", 40): strings.TrimSpace(strings.Repeat("word ", 16)),
	}
	for in, want := range tests {
		if got := cleanTitle(in); got != want {
			t.Errorf("cleanTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

type sandboxSet map[uuid.UUID]domain.Sandbox

func (s sandboxSet) Get(_ context.Context, id uuid.UUID) (domain.Sandbox, error) {
	sb, ok := s[id]
	if !ok {
		return domain.Sandbox{}, domain.ErrNotFound
	}
	return sb, nil
}

func (s sandboxSet) Bind(ctx context.Context, id uuid.UUID) (context.Context, context.CancelFunc, error) {
	if _, ok := s[id]; !ok {
		return nil, nil, domain.ErrNotFound
	}
	bctx, cancel := context.WithCancel(ctx)
	return bctx, cancel, nil
}

func TestConcurrentTurnsOnSeparateSandboxes(t *testing.T) {
	logger := testLogger()
	alpha := domain.Sandbox{ID: uuid.New(), ProjectID: "alpha", State: domain.StateRunning}
	beta := domain.Sandbox{ID: uuid.New(), ProjectID: "beta", State: domain.StateRunning}
	store := NewMemoryStore()
	sessA := &domain.ChatSession{SandboxID: alpha.ID, ProjectID: alpha.ProjectID, UserID: "alice"}
	sessB := &domain.ChatSession{SandboxID: beta.ID, ProjectID: beta.ProjectID, UserID: "alice"}
	for _, s := range []*domain.ChatSession{sessA, sessB} {
		if err := store.CreateSession(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}

	// Each turn reads <task>.go and then answers "<task> done".
	completer := llm.NewScriptFunc(func(req *llm.Request, _ int) (*llm.Response, error) {
		task := req.Messages[0].TextContent()
		if len(req.Messages) == 1 {
			return llm.ToolCallResponse("t1", tools.NameReadFile, map[string]string{"path": task + ".go"}), nil
		}
		return llm.TextResponse(task + " done"), nil
	})
	started := make(chan struct{})
	runner := &fakeRunner{fn: func(ctx context.Context, call tools.Call) *tools.Result {
		if call.(*tools.ReadFile).Path == "alpha.go" {
			close(started)
			<-ctx.Done()
			return &tools.Result{Output: "canceled", Status: domain.InvocationFailed, IsError: true}
		}
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Error("alpha turn never reached its tool call")
		}
		return &tools.Result{Output: "package beta", Status: domain.InvocationSucceeded}
	}}
	audit := &memAudit{}
	guard := security.NewGuard(security.NewPolicyEnforcer(logger), security.NewAuditor(audit, logger), logger)
	approvals := approval.NewManager(approval.NewMemoryStore(), time.Hour, logger)
	a := New(completer, sandboxSet{alpha.ID: alpha, beta.ID: beta}, staticPolicy{policy: basePolicy()}, guard, runner, store, approvals, Config{}, logger)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	streamA := stream.New(sessA.ID, 512, 1)
	type outcome struct {
		res *TurnResult
		err error
	}
	doneA := make(chan outcome, 1)
	go func() {
		res, err := a.Run(ctxA, TurnRequest{SessionID: sessA.ID, UserID: "alice", Message: "alpha"}, streamA)
		streamA.Close()
		doneA <- outcome{res, err}
	}()

	streamB := stream.New(sessB.ID, 512, 1)
	resB, err := a.Run(context.Background(), TurnRequest{SessionID: sessB.ID, UserID: "alice", Message: "beta"}, streamB)
	streamB.Close()
	if err != nil {
		t.Fatalf("beta Run() error = %v", err)
	}
	cancelA()

	var order []stream.EventType
	var last int64
	for ev := range streamB.Events() {
		if ev.Seq != last+1 {
			t.Fatalf("beta sequence jumped from %d to %d", last, ev.Seq)
		}
		last = ev.Seq
		if ev.SessionID != sessB.ID {
			t.Errorf("beta stream carried event for session %s", ev.SessionID)
		}
		if ev.Type != stream.EventText {
			order = append(order, ev.Type)
		}
	}
	want := []stream.EventType{stream.EventStatus, stream.EventToolCall, stream.EventToolResult, stream.EventDone}
	if len(order) != len(want) {
		t.Fatalf("beta events = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("beta events = %v, want %v", order, want)
		}
	}
	if resB.Reason != stream.ReasonCompleted || resB.Text != "beta done" {
		t.Errorf("beta result = %+v", resB)
	}

	var gotA outcome
	select {
	case gotA = <-doneA:
	case <-time.After(5 * time.Second):
		t.Fatal("alpha turn did not stop after cancel")
	}
	if !errors.Is(gotA.err, context.Canceled) || gotA.res == nil || gotA.res.Reason != stream.ReasonCanceled {
		t.Errorf("alpha outcome = %+v, %v", gotA.res, gotA.err)
	}
	for range streamA.Events() {
	}

	msgsB, err := store.LoadMessages(context.Background(), sessB.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgsB) != 4 || msgsB[3].Content != "beta done" {
		t.Errorf("beta history = %+v", msgsB)
	}
	checkRanOnlyWhenAllowed(t, msgsB)
}
