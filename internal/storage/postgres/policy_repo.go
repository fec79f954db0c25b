package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/security"
)

var _ security.PolicyStore = (*PolicyRepository)(nil)

// PolicyRepository implements security.PolicyStore.
type PolicyRepository struct {
	db *gorm.DB
}

// NewPolicyRepository creates a PolicyRepository.
func NewPolicyRepository(db *gorm.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// GetPolicy returns the stored policy of a project.
func (r *PolicyRepository) GetPolicy(ctx context.Context, projectID string) (*domain.Policy, error) {
	var model PolicyModel
	if err := r.db.WithContext(ctx).First(&model, "project_id = ?", projectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("policy for %s %w", projectID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting policy: %w", err)
	}
	return toPolicyDomain(&model), nil
}

// PutPolicy replaces the project's policy.
func (r *PolicyRepository) PutPolicy(ctx context.Context, policy domain.Policy) error {
	model, err := toPolicyModel(policy)
	if err != nil {
		return fmt.Errorf("encoding policy: %w", err)
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}},
			UpdateAll: true,
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("storing policy for %s: %w", policy.ProjectID, err)
	}
	return nil
}
