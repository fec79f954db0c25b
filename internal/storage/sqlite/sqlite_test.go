package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/llm"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "kazi.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestSandboxes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := s.Sandboxes()

	now := time.Now().UTC().Truncate(time.Second)
	sb := &domain.Sandbox{
		ID:        uuid.New(),
		ProjectID: "demo",
		State:     domain.StateProvisioning,
		Mode:      domain.ModeBlank,
		GitBranch: "main",
		Limits:    domain.ResourceLimits{CPU: 0.5, MemoryMB: 256, DiskMB: 1024},
		CreatedAt: now,
	}
	if err := repo.SaveSandbox(ctx, sb); err != nil {
		t.Fatalf("SaveSandbox: %v", err)
	}
	sb.State = domain.StateRunning
	sb.ContainerRef = "kazi-abc"
	if err := repo.SaveSandbox(ctx, sb); err != nil {
		t.Fatalf("SaveSandbox update: %v", err)
	}

	got, err := repo.GetSandbox(ctx, sb.ID)
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if got.State != domain.StateRunning || got.ContainerRef != "kazi-abc" {
		t.Errorf("got state=%s ref=%q", got.State, got.ContainerRef)
	}
	if got.Limits.CPU != 0.5 || got.Limits.MemoryMB != 256 {
		t.Errorf("limits = %+v", got.Limits)
	}

	gone := &domain.Sandbox{ID: uuid.New(), ProjectID: "old", State: domain.StateDestroyed, Mode: domain.ModeBlank, GitBranch: "main"}
	if err := repo.SaveSandbox(ctx, gone); err != nil {
		t.Fatalf("SaveSandbox destroyed: %v", err)
	}
	list, err := repo.ListSandboxes(ctx)
	if err != nil {
		t.Fatalf("ListSandboxes: %v", err)
	}
	if len(list) != 1 || list[0].ID != sb.ID {
		t.Errorf("ListSandboxes = %+v, want only the live sandbox", list)
	}

	if _, err := repo.GetSandbox(ctx, uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetSandbox unknown: err = %v, want ErrNotFound", err)
	}
}

func TestSessionsAndMessages(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := s.Sessions()
	sandboxID := uuid.New()

	sess := &domain.ChatSession{SandboxID: sandboxID, ProjectID: "demo", UserID: "alice"}
	if err := repo.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == uuid.Nil || sess.Title != domain.DefaultSessionTitle || !sess.IsActive {
		t.Fatalf("session not initialized: %+v", sess)
	}

	for i, content := range []string{"one", "two", "three"} {
		msg := &domain.ChatMessage{SessionID: sess.ID, Role: domain.RoleUser, Content: content}
		if err := repo.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if msg.Seq != i+1 {
			t.Errorf("seq = %d, want %d", msg.Seq, i+1)
		}
	}

	last2, err := repo.LoadMessages(ctx, sess.ID, 2)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(last2) != 2 || last2[0].Content != "two" || last2[1].Content != "three" {
		t.Errorf("LoadMessages(2) = %+v", last2)
	}
	all, _ := repo.LoadMessages(ctx, sess.ID, 0)
	if len(all) != 3 {
		t.Errorf("LoadMessages(0) returned %d messages", len(all))
	}

	if err := repo.AppendMessage(ctx, &domain.ChatMessage{SessionID: uuid.New(), Role: domain.RoleUser}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("append to unknown session: err = %v", err)
	}

	if err := repo.UpdateSessionTitle(ctx, sess.ID, "Fix the build"); err != nil {
		t.Fatalf("UpdateSessionTitle: %v", err)
	}
	if err := s.Sandboxes().DeactivateSessions(ctx, sandboxID); err != nil {
		t.Fatalf("DeactivateSessions: %v", err)
	}
	got, err := repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Title != "Fix the build" || got.IsActive {
		t.Errorf("session = %+v", got)
	}

	list, err := repo.ListSessions(ctx, sandboxID)
	if err != nil || len(list) != 1 {
		t.Errorf("ListSessions = %v, %v", list, err)
	}

	if err := repo.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := repo.GetSession(ctx, sess.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetSession after delete: err = %v", err)
	}
	if msgs, _ := repo.LoadMessages(ctx, sess.ID, 0); len(msgs) != 0 {
		t.Errorf("messages survived delete: %d", len(msgs))
	}
	if err := repo.DeleteSession(ctx, sess.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second DeleteSession: err = %v", err)
	}
}

func TestUpdateToolResult(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := s.Sessions()

	sess := &domain.ChatSession{SandboxID: uuid.New(), ProjectID: "demo", UserID: "alice"}
	if err := repo.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	args := json.RawMessage(`{"environment":"staging"}`)
	pending := domain.ToolInvocation{ID: "toolu_1", Name: "deploy", Args: args, Status: domain.InvocationAwaitingApproval, Result: "awaiting approval"}
	if err := repo.AppendMessage(ctx, &domain.ChatMessage{
		SessionID: sess.ID,
		Role:      domain.RoleAssistant,
		ToolCalls: []domain.ToolInvocation{pending},
	}); err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	blocks, _ := json.Marshal([]llm.ContentBlock{llm.ToolResultBlock("toolu_1", "awaiting approval", false)})
	if err := repo.AppendMessage(ctx, &domain.ChatMessage{
		SessionID:     sess.ID,
		Role:          domain.RoleTool,
		ContentBlocks: blocks,
	}); err != nil {
		t.Fatalf("append tool: %v", err)
	}

	done := pending
	done.Status = domain.InvocationSucceeded
	done.Result = "deployed to staging"
	if err := repo.UpdateToolResult(ctx, sess.ID, "toolu_1", done, false); err != nil {
		t.Fatalf("UpdateToolResult: %v", err)
	}

	msgs, err := repo.LoadMessages(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if got := msgs[0].ToolCalls[0]; got.Status != domain.InvocationSucceeded || got.Result != "deployed to staging" {
		t.Errorf("invocation = %+v", got)
	}
	var stored []llm.ContentBlock
	if err := json.Unmarshal(msgs[1].ContentBlocks, &stored); err != nil {
		t.Fatalf("decoding blocks: %v", err)
	}
	if stored[0].Text != "deployed to staging" || stored[0].IsError {
		t.Errorf("tool_result = %+v", stored[0])
	}

	if err := repo.UpdateToolResult(ctx, sess.ID, "toolu_missing", done, false); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown tool call: err = %v", err)
	}
}

func TestPolicies(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := s.Policies()

	if _, err := repo.GetPolicy(ctx, "demo"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetPolicy before put: err = %v", err)
	}
	p := domain.Policy{
		ProjectID:          "demo",
		CanModifyCode:      true,
		MaxRiskLevel:       "high",
		CommandAllowlist:   []string{"go test", "npm"},
		RequireApprovalFor: []string{"deploy"},
	}
	if err := repo.PutPolicy(ctx, p); err != nil {
		t.Fatalf("PutPolicy: %v", err)
	}
	p.CanModifyCode = false
	p.BlockedFilePatterns = []string{".env"}
	if err := repo.PutPolicy(ctx, p); err != nil {
		t.Fatalf("PutPolicy replace: %v", err)
	}

	got, err := repo.GetPolicy(ctx, "demo")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if got.CanModifyCode {
		t.Error("CanModifyCode was not replaced")
	}
	if len(got.CommandAllowlist) != 2 || got.BlockedFilePatterns[0] != ".env" || got.RequireApprovalFor[0] != "deploy" {
		t.Errorf("policy = %+v", got)
	}
}

func TestAudit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := s.Audit()

	sb := uuid.New()
	other := uuid.New()
	base := time.Now().UTC()
	entries := []domain.AuditEntry{
		{ID: uuid.New(), Actor: "alice", Action: "write_file", Target: "main.go", SandboxID: &sb, Outcome: domain.OutcomeSuccess, Timestamp: base},
		{ID: uuid.New(), Actor: "alice", Action: "run_command", Target: "rm -rf /", SandboxID: &sb, Outcome: domain.OutcomeDenied, Detail: map[string]any{"reason": "not allowlisted"}, Timestamp: base.Add(time.Second)},
		{ID: uuid.New(), Actor: "bob", Action: "write_file", Target: "x.go", SandboxID: &other, Outcome: domain.OutcomeSuccess, Timestamp: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		if err := repo.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := repo.Query(ctx, domain.AuditFilter{SandboxID: &sb})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Query returned %d entries, want 2", len(got))
	}
	if got[0].Action != "run_command" {
		t.Errorf("entries not newest first: %+v", got)
	}
	if got[0].Detail["reason"] != "not allowlisted" {
		t.Errorf("detail = %v", got[0].Detail)
	}

	got, _ = repo.Query(ctx, domain.AuditFilter{Action: "write_file", Limit: 1})
	if len(got) != 1 || got[0].Actor != "bob" {
		t.Errorf("filtered query = %+v", got)
	}
}

func newApproval(sessionID uuid.UUID, created time.Time, ttl time.Duration) *approval.PendingApproval {
	return &approval.PendingApproval{
		ID:        uuid.NewString(),
		SandboxID: uuid.New(),
		SessionID: sessionID,
		ProjectID: "demo",
		UserID:    "alice",
		ToolName:  "deploy",
		ToolUseID: "toolu_" + uuid.NewString()[:8],
		Args:      json.RawMessage(`{"environment":"prod"}`),
		RiskLevel: "critical",
		Status:    approval.StatusPending,
		CreatedAt: created,
		ExpiresAt: created.Add(ttl),
	}
}

func TestApprovals(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := s.Approvals()
	session := uuid.New()
	now := time.Now().UTC()

	pa := newApproval(session, now, time.Hour)
	if err := repo.CreateApproval(ctx, pa); err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}
	got, err := repo.GetApproval(ctx, pa.ID)
	if err != nil {
		t.Fatalf("GetApproval: %v", err)
	}
	if got.ToolUseID != pa.ToolUseID || string(got.Args) != string(pa.Args) || got.Status != approval.StatusPending {
		t.Errorf("approval = %+v", got)
	}

	pending, err := repo.ListApprovals(ctx, session, approval.StatusPending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListApprovals = %v, %v", pending, err)
	}

	resolved, err := repo.ResolveApproval(ctx, pa.ID, approval.StatusApproved, "bob", now)
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if resolved.Status != approval.StatusApproved || resolved.ResolvedBy != "bob" || resolved.ResolvedAt.IsZero() {
		t.Errorf("resolved = %+v", resolved)
	}
	if _, err := repo.ResolveApproval(ctx, pa.ID, approval.StatusDenied, "carol", now); !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Errorf("second resolve: err = %v, want ErrAlreadyResolved", err)
	}
	if _, err := repo.ResolveApproval(ctx, "missing", approval.StatusDenied, "carol", now); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("unknown resolve: err = %v, want ErrNotFound", err)
	}
	if _, err := repo.GetApproval(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetApproval unknown: err = %v", err)
	}
}

func TestApprovalExpiryAndCleanup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := s.Approvals()
	session := uuid.New()
	now := time.Now().UTC()

	stale := newApproval(session, now.Add(-2*time.Hour), time.Hour)
	fresh := newApproval(session, now, time.Hour)
	for _, pa := range []*approval.PendingApproval{stale, fresh} {
		if err := repo.CreateApproval(ctx, pa); err != nil {
			t.Fatalf("CreateApproval: %v", err)
		}
	}

	expired, err := repo.ExpireApprovals(ctx, now)
	if err != nil {
		t.Fatalf("ExpireApprovals: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != stale.ID || expired[0].Status != approval.StatusExpired {
		t.Fatalf("expired = %+v", expired)
	}
	again, _ := repo.ExpireApprovals(ctx, now)
	if len(again) != 0 {
		t.Errorf("second expiry returned %d approvals", len(again))
	}

	if err := repo.DeleteResolvedApprovals(ctx, now.Add(time.Minute)); err != nil {
		t.Fatalf("DeleteResolvedApprovals: %v", err)
	}
	if _, err := repo.GetApproval(ctx, stale.ID); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("expired approval not deleted: err = %v", err)
	}
	if _, err := repo.GetApproval(ctx, fresh.ID); err != nil {
		t.Errorf("pending approval deleted: %v", err)
	}
}

func TestApprovalConcurrentResolution(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := s.Approvals()

	pa := newApproval(uuid.New(), time.Now().UTC(), time.Hour)
	if err := repo.CreateApproval(ctx, pa); err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.ResolveApproval(ctx, pa.ID, approval.StatusApproved, "bob", time.Now().UTC())
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, approval.ErrAlreadyResolved):
				conflicts.Add(1)
			default:
				t.Errorf("ResolveApproval: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 || conflicts.Load() != 7 {
		t.Errorf("wins=%d conflicts=%d, want 1 and 7", wins.Load(), conflicts.Load())
	}
}

func TestManagerOnSQLite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := approval.NewManager(s.Approvals(), time.Hour, logger)

	session := uuid.New()
	id, err := m.Create(ctx, &approval.CreateRequest{
		SandboxID: uuid.New(),
		SessionID: session,
		ProjectID: "demo",
		UserID:    "alice",
		ToolName:  "deploy",
		ToolUseID: "toolu_9",
		Args:      json.RawMessage(`{"environment":"staging"}`),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pending, err := m.ListPending(ctx, session)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListPending = %v, %v", pending, err)
	}
	if _, err := m.Deny(ctx, id, "bob"); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	if _, err := m.Approve(ctx, id, "carol"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("approve after deny: err = %v", err)
	}
}

func TestConfigDSN(t *testing.T) {
	dsn := Config{Path: "/data/kazi.db", BusyTimeout: 2 * time.Second}.dsn()
	path, query, ok := strings.Cut(dsn, "?")
	if !ok || path != "/data/kazi.db" {
		t.Fatalf("dsn = %q", dsn)
	}
	q, err := url.ParseQuery(query)
	if err != nil {
		t.Fatalf("parsing query: %v", err)
	}
	for _, want := range []string{"journal_mode(wal)", "busy_timeout(2000)", "foreign_keys(ON)"} {
		if !slices.Contains(q["_pragma"], want) {
			t.Errorf("pragmas %v missing %q", q["_pragma"], want)
		}
	}
}
