package security

import (
	"context"

	"github.com/jkaninda/kazi/internal/domain"
)

// PolicyStore provides persistent per-project policies.
type PolicyStore interface {
	// GetPolicy returns domain.ErrNotFound when the project has no stored policy.
	GetPolicy(ctx context.Context, projectID string) (*domain.Policy, error)
	PutPolicy(ctx context.Context, policy domain.Policy) error
}

// AuditStore is an append-only store for audit entries.
// No update or delete methods: immutability enforced at the interface level.
type AuditStore interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
	Query(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
}

// AuditLog records and queries audit entries.
// Satisfied by *FileAuditLog (JSONL) and *StoreAuditLog (database).
type AuditLog interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
	Query(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
	Close() error
}
