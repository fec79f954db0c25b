package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/security"
)

var _ security.AuditStore = (*AuditRepository)(nil)

const defaultAuditLimit = 100

// AuditRepository implements security.AuditStore.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit entry. This is the only write method.
func (r *AuditRepository) Append(ctx context.Context, entry domain.AuditEntry) error {
	model, err := toAuditModel(entry)
	if err != nil {
		return fmt.Errorf("encoding audit detail: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// Query returns matching entries, newest first. Limit defaults to 100.
func (r *AuditRepository) Query(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}

	q := r.db.WithContext(ctx).
		Order("recorded_at DESC").
		Limit(limit)
	if filter.SandboxID != nil {
		q = q.Where("sandbox_id = ?", *filter.SandboxID)
	}
	if filter.SessionID != nil {
		q = q.Where("session_id = ?", *filter.SessionID)
	}
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}

	var models []AuditEntryModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}

	entries := make([]domain.AuditEntry, len(models))
	for i := range models {
		entries[i] = toAuditDomain(&models[i])
	}
	return entries, nil
}
