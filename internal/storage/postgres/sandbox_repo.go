package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/controller"
	"github.com/jkaninda/kazi/internal/domain"
)

var _ controller.Store = (*SandboxRepository)(nil)

// SandboxRepository implements controller.Store.
type SandboxRepository struct {
	db *gorm.DB
}

// NewSandboxRepository creates a SandboxRepository.
func NewSandboxRepository(db *gorm.DB) *SandboxRepository {
	return &SandboxRepository{db: db}
}

// SaveSandbox inserts or replaces the sandbox row.
func (r *SandboxRepository) SaveSandbox(ctx context.Context, sb *domain.Sandbox) error {
	model := toSandboxModel(*sb)
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("saving sandbox %s: %w", sb.ID, err)
	}
	sb.UpdatedAt = model.UpdatedAt
	return nil
}

// GetSandbox returns a sandbox by ID, including destroyed ones.
func (r *SandboxRepository) GetSandbox(ctx context.Context, id uuid.UUID) (domain.Sandbox, error) {
	var model SandboxModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Sandbox{}, fmt.Errorf("sandbox %s %w", id, domain.ErrNotFound)
		}
		return domain.Sandbox{}, fmt.Errorf("getting sandbox: %w", err)
	}
	return toSandboxDomain(&model), nil
}

// ListSandboxes returns every sandbox not yet destroyed, oldest first.
func (r *SandboxRepository) ListSandboxes(ctx context.Context) ([]domain.Sandbox, error) {
	var models []SandboxModel
	err := r.db.WithContext(ctx).
		Where("state <> ?", string(domain.StateDestroyed)).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	out := make([]domain.Sandbox, len(models))
	for i := range models {
		out[i] = toSandboxDomain(&models[i])
	}
	return out, nil
}

// DeactivateSessions closes every session bound to the sandbox.
func (r *SandboxRepository) DeactivateSessions(ctx context.Context, sandboxID uuid.UUID) error {
	return deactivateSessions(r.db.WithContext(ctx), sandboxID)
}

func deactivateSessions(db *gorm.DB, sandboxID uuid.UUID) error {
	err := db.Model(&SessionModel{}).
		Where("sandbox_id = ? AND is_active = ?", sandboxID, true).
		Updates(map[string]any{"is_active": false, "updated_at": utcNow()}).Error
	if err != nil {
		return fmt.Errorf("deactivating sessions of %s: %w", sandboxID, err)
	}
	return nil
}
