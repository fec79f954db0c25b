//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/domain"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := AutoMigrate(context.Background(), db.GormDB()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return db
}

// --- Approval atomicity ---

func TestApprovalAtomicity_ConcurrentResolution(t *testing.T) {
	db := testDB(t)
	repo := NewApprovalRepository(db.GormDB())
	ctx := context.Background()

	now := time.Now().UTC()
	pa := &approval.PendingApproval{
		ID:        uuid.NewString(),
		SandboxID: uuid.New(),
		SessionID: uuid.New(),
		ProjectID: "integration",
		UserID:    "alice",
		ToolName:  "deploy",
		ToolUseID: "toolu_1",
		Args:      json.RawMessage(`{"environment":"prod"}`),
		Status:    approval.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := repo.CreateApproval(ctx, pa); err != nil {
		t.Fatalf("creating approval: %v", err)
	}

	const numWorkers = 20
	var successCount, conflictCount atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			_, err := repo.ResolveApproval(ctx, pa.ID, approval.StatusApproved, "bob", time.Now().UTC())
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, approval.ErrAlreadyResolved):
				conflictCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 winner, got %d", successCount.Load())
	}
	if conflictCount.Load() != numWorkers-1 {
		t.Errorf("expected %d conflicts, got %d", numWorkers-1, conflictCount.Load())
	}
}

// --- Message sequencing ---

func TestSessionMessages_SequentialSeq(t *testing.T) {
	db := testDB(t)
	repo := NewSessionRepository(db.GormDB())
	ctx := context.Background()

	sess := &domain.ChatSession{SandboxID: uuid.New(), ProjectID: "integration", UserID: "alice"}
	if err := repo.CreateSession(ctx, sess); err != nil {
		t.Fatalf("creating session: %v", err)
	}
	for i := 1; i <= 5; i++ {
		msg := &domain.ChatMessage{SessionID: sess.ID, Role: domain.RoleUser, Content: "hello"}
		if err := repo.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if msg.Seq != i {
			t.Errorf("seq = %d, want %d", msg.Seq, i)
		}
	}
	msgs, err := repo.LoadMessages(ctx, sess.ID, 3)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Seq != 3 || msgs[2].Seq != 5 {
		t.Errorf("unexpected window: %+v", msgs)
	}
}

// --- Audit immutability ---

func TestAudit_AppendAndQuery(t *testing.T) {
	db := testDB(t)
	repo := NewAuditRepository(db.GormDB())
	ctx := context.Background()

	sandboxID := uuid.New()
	for i := 0; i < 3; i++ {
		err := repo.Append(ctx, domain.AuditEntry{
			ID:        uuid.New(),
			Actor:     "alice",
			Action:    "run_command",
			Target:    "go test ./...",
			SandboxID: &sandboxID,
			Outcome:   domain.OutcomeSuccess,
			Detail:    map[string]any{"exit_code": float64(i)},
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	entries, err := repo.Query(ctx, domain.AuditFilter{SandboxID: &sandboxID})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Detail["exit_code"] != float64(2) {
		t.Errorf("entries not newest first: %+v", entries[0])
	}
}
