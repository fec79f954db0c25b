package security

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
)

func TestFileAuditLog_RecordAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	log, err := NewFileAuditLog(FileAuditConfig{Path: path}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	sbxA, sbxB := uuid.New(), uuid.New()
	session := uuid.New()
	ctx := WithSession(WithActor(context.Background(), "alice"), session)

	auditor := NewAuditor(log, testLogger())
	auditor.Record(ctx, sbxA, "write_file", "main.go", domain.OutcomeSuccess, nil)
	auditor.Record(ctx, sbxA, "exec", "go test", domain.OutcomeFailure, map[string]any{"exit_code": 1})
	auditor.Record(context.Background(), sbxB, "destroy", sbxB.String(), domain.OutcomeSuccess, nil)

	all, err := log.Query(context.Background(), domain.AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d entries, want 3", len(all))
	}
	if all[0].Action != "destroy" {
		t.Errorf("expected newest first, got %s", all[0].Action)
	}
	if all[2].Actor != "alice" || all[2].SessionID == nil || *all[2].SessionID != session {
		t.Errorf("actor/session not propagated: %+v", all[2])
	}
	if all[0].Actor != "system" {
		t.Errorf("default actor = %q", all[0].Actor)
	}

	bySandbox, _ := log.Query(context.Background(), domain.AuditFilter{SandboxID: &sbxA})
	if len(bySandbox) != 2 {
		t.Errorf("sandbox filter returned %d", len(bySandbox))
	}
	bySession, _ := log.Query(context.Background(), domain.AuditFilter{SessionID: &session, Limit: 1})
	if len(bySession) != 1 || bySession[0].Action != "exec" {
		t.Errorf("session filter = %+v", bySession)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("audit file permissions = %o, want 0600", perm)
	}
}

func TestGuardAuditsDenials(t *testing.T) {
	log, err := NewFileAuditLog(FileAuditConfig{Path: filepath.Join(t.TempDir(), "a.jsonl")}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	var observed []Verdict
	guard := NewGuard(NewPolicyEnforcer(testLogger()), NewAuditor(log, testLogger()), testLogger()).
		WithObserver(func(_ string, v Verdict) { observed = append(observed, v) })

	sbx := uuid.New()
	p := basePolicy()
	ctx := context.Background()

	guard.Check(ctx, sbx, p, Action{Name: "read_file", Kind: KindRead, Path: "main.go"})
	guard.Check(ctx, sbx, p, Action{Name: "run_command", Kind: KindExec, Command: []string{"curl", "evil"}})
	guard.Check(ctx, sbx, p, Action{Name: "publish_to_repository", Kind: KindPublish})

	entries, _ := log.Query(ctx, domain.AuditFilter{})
	if len(entries) != 2 {
		t.Fatalf("got %d audit entries, want 2 (allowed actions are audited where they run)", len(entries))
	}
	if entries[1].Outcome != domain.OutcomeDenied || entries[1].Target != "curl evil" || entries[1].Detail["policy"] != "deny" {
		t.Errorf("denial entry = %+v", entries[1])
	}
	if entries[0].Outcome != domain.OutcomeApprovalRequired {
		t.Errorf("approval entry = %+v", entries[0])
	}
	if len(observed) != 3 {
		t.Errorf("observer saw %d decisions", len(observed))
	}
}

func TestGuardGrant(t *testing.T) {
	log, err := NewFileAuditLog(FileAuditConfig{Path: filepath.Join(t.TempDir(), "a.jsonl")}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	guard := NewGuard(NewPolicyEnforcer(testLogger()), NewAuditor(log, testLogger()), testLogger())
	ctx := context.Background()
	sbx := uuid.New()

	d := guard.Grant(ctx, sbx, basePolicy(), Action{Name: "publish_to_repository", Kind: KindPublish}, "bob")
	if !d.Allowed() || d.Reason != "approved by bob" {
		t.Errorf("approved publish = %+v", d)
	}
	// Infra changes are off in the base policy; an approval cannot override that.
	d = guard.Grant(ctx, sbx, basePolicy(), Action{Name: "deploy", Kind: KindDeploy, RiskLevel: RiskHigh}, "bob")
	if d.Verdict != VerdictDeny {
		t.Errorf("approved deploy = %+v", d)
	}

	entries, _ := log.Query(ctx, domain.AuditFilter{})
	if len(entries) != 1 || entries[0].Action != "deploy" || entries[0].Outcome != domain.OutcomeDenied {
		t.Errorf("entries = %+v", entries)
	}
}

func TestAuditorRecordsClearingDecision(t *testing.T) {
	log, err := NewFileAuditLog(FileAuditConfig{Path: filepath.Join(t.TempDir(), "a.jsonl")}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	auditor := NewAuditor(log, testLogger())
	sbx := uuid.New()

	detail := map[string]any{"size": 3}
	ctx := WithDecision(context.Background(), Decision{Verdict: VerdictAllow, Reason: "approved by bob"})
	auditor.Record(ctx, sbx, "file.write", "a.go", domain.OutcomeSuccess, detail)
	auditor.Record(context.Background(), sbx, "file.read", "a.go", domain.OutcomeSuccess, nil)

	if _, ok := detail["policy"]; ok {
		t.Error("caller detail was modified")
	}
	entries, _ := log.Query(context.Background(), domain.AuditFilter{SandboxID: &sbx})
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	write := entries[1]
	if write.Detail["policy"] != "allow" || write.Detail["policy_reason"] != "approved by bob" || write.Detail["size"] != float64(3) {
		t.Errorf("write detail = %+v", write.Detail)
	}
	if _, ok := entries[0].Detail["policy"]; ok {
		t.Errorf("read without decision got %+v", entries[0].Detail)
	}
}

func TestOutcome(t *testing.T) {
	if Outcome(nil) != domain.OutcomeSuccess {
		t.Error("nil should be success")
	}
	if Outcome(domain.Denied("x")) != domain.OutcomeDenied {
		t.Error("policy denial should be denied")
	}
	if Outcome(domain.ErrPathViolation) != domain.OutcomeDenied {
		t.Error("path violation should be denied")
	}
	if Outcome(domain.ErrMergeConflict) != domain.OutcomeFailure {
		t.Error("other errors should be failure")
	}
}
