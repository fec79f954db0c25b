package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jkaninda/kazi/internal/domain"
)

// FileAuditConfig controls JSONL audit file rotation.
type FileAuditConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// FileAuditLog writes audit entries as append-only JSONL, rotated by size.
// Each entry is a single JSON line. Safe for concurrent use.
type FileAuditLog struct {
	mu     sync.Mutex
	path   string
	writer *lumberjack.Logger
	logger *slog.Logger
}

var _ AuditLog = (*FileAuditLog)(nil)

// NewFileAuditLog opens (or creates) the audit log file with 0600 permissions.
func NewFileAuditLog(cfg FileAuditConfig, logger *slog.Logger) (*FileAuditLog, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	// lumberjack creates new files 0600; pre-create so the first write does too.
	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", cfg.Path, err)
	}
	_ = f.Close()

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	return &FileAuditLog{
		path: cfg.Path,
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		},
		logger: logger,
	}, nil
}

// Record serializes the entry and appends it to the log.
// Marshal happens outside the lock; only the file write is serialized.
func (a *FileAuditLog) Record(ctx context.Context, entry domain.AuditEntry) error {
	entry = normalizeEntry(entry)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.writer.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit entry: %w", writeErr)
	}
	a.logger.DebugContext(ctx, "audit entry recorded",
		slog.String("action", entry.Action),
		slog.String("actor", entry.Actor),
		slog.String("outcome", string(entry.Outcome)),
	)
	return nil
}

// Query scans the active log file. Rotated backups are not searched.
// Results are newest first.
func (a *FileAuditLog) Query(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	var matched []domain.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		var e domain.AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if matchesFilter(e, filter) {
			matched = append(matched, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Close closes the underlying file.
func (a *FileAuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writer.Close()
}

// StoreAuditLog adapts an AuditStore (database) to AuditLog.
type StoreAuditLog struct {
	store  AuditStore
	logger *slog.Logger
}

var _ AuditLog = (*StoreAuditLog)(nil)

// NewStoreAuditLog creates a database-backed audit log.
func NewStoreAuditLog(store AuditStore, logger *slog.Logger) *StoreAuditLog {
	return &StoreAuditLog{store: store, logger: logger}
}

func (a *StoreAuditLog) Record(ctx context.Context, entry domain.AuditEntry) error {
	entry = normalizeEntry(entry)
	if err := a.store.Append(ctx, entry); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	a.logger.DebugContext(ctx, "audit entry recorded",
		slog.String("action", entry.Action),
		slog.String("actor", entry.Actor),
		slog.String("outcome", string(entry.Outcome)),
	)
	return nil
}

func (a *StoreAuditLog) Query(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	return a.store.Query(ctx, filter)
}

// Close is a no-op. The database connection is managed by the storage layer.
func (a *StoreAuditLog) Close() error { return nil }

func normalizeEntry(e domain.AuditEntry) domain.AuditEntry {
	if e.ID == uuid.Nil {
		e.ID = domain.NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	return e
}

func matchesFilter(e domain.AuditEntry, f domain.AuditFilter) bool {
	if f.SandboxID != nil && (e.SandboxID == nil || *e.SandboxID != *f.SandboxID) {
		return false
	}
	if f.SessionID != nil && (e.SessionID == nil || *e.SessionID != *f.SessionID) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	return true
}

// Detail keys for the policy decision that cleared an audited operation.
const (
	detailPolicy       = "policy"
	detailPolicyReason = "policy_reason"
)

// Auditor records entries on behalf of gateways, filling actor and session
// from the request context. Write failures are logged, never returned, so a
// degraded audit backend cannot turn a completed mutation into an error.
type Auditor struct {
	log    AuditLog
	logger *slog.Logger
}

// NewAuditor wraps an AuditLog. A nil log yields a no-op auditor.
func NewAuditor(log AuditLog, logger *slog.Logger) *Auditor {
	return &Auditor{log: log, logger: logger}
}

// Record appends one entry for an action on target within a sandbox.
func (a *Auditor) Record(ctx context.Context, sandboxID uuid.UUID, action, target string, outcome domain.AuditOutcome, detail map[string]any) {
	if a == nil || a.log == nil {
		return
	}
	if d, ok := DecisionFrom(ctx); ok {
		if _, set := detail[detailPolicy]; !set {
			detail = maps.Clone(detail)
			if detail == nil {
				detail = make(map[string]any, 2)
			}
			detail[detailPolicy] = string(d.Verdict)
			if d.Reason != "" {
				detail[detailPolicyReason] = d.Reason
			}
		}
	}
	entry := domain.AuditEntry{
		Actor:   ActorFrom(ctx),
		Action:  action,
		Target:  target,
		Outcome: outcome,
		Detail:  detail,
	}
	if sandboxID != uuid.Nil {
		id := sandboxID
		entry.SandboxID = &id
	}
	if sid, ok := SessionFrom(ctx); ok {
		entry.SessionID = &sid
	}
	if err := a.log.Record(ctx, entry); err != nil {
		a.logger.ErrorContext(ctx, "failed to record audit entry",
			slog.String("action", action),
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
	}
}

// Outcome maps an operation error to an audit outcome.
func Outcome(err error) domain.AuditOutcome {
	switch {
	case err == nil:
		return domain.OutcomeSuccess
	case isDenied(err):
		return domain.OutcomeDenied
	default:
		return domain.OutcomeFailure
	}
}

// Query proxies to the underlying log.
func (a *Auditor) Query(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	if a == nil || a.log == nil {
		return nil, nil
	}
	return a.log.Query(ctx, filter)
}
