package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/approval"
)

var _ approval.ApprovalStore = (*ApprovalRepository)(nil)

// ApprovalRepository implements approval.ApprovalStore.
type ApprovalRepository struct {
	db *gorm.DB
}

// NewApprovalRepository creates an ApprovalRepository.
func NewApprovalRepository(db *gorm.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

func (r *ApprovalRepository) CreateApproval(ctx context.Context, pa *approval.PendingApproval) error {
	model := toApprovalModel(pa)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating approval: %w", err)
	}
	return nil
}

func (r *ApprovalRepository) GetApproval(ctx context.Context, id string) (*approval.PendingApproval, error) {
	return getApproval(r.db.WithContext(ctx), id)
}

func getApproval(db *gorm.DB, id string) (*approval.PendingApproval, error) {
	var model ApprovalModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrNotFound
		}
		return nil, fmt.Errorf("getting approval: %w", err)
	}
	return toApprovalDomain(&model), nil
}

// ResolveApproval moves a pending approval to status. The update is
// conditional on the row still being pending, so concurrent resolutions
// of the same approval have exactly one winner.
func (r *ApprovalRepository) ResolveApproval(ctx context.Context, id string, status approval.Status, resolvedBy string, at time.Time) (*approval.PendingApproval, error) {
	var out *approval.PendingApproval
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ApprovalModel{}).
			Where("id = ? AND status = ?", id, int16(approval.StatusPending)).
			Updates(map[string]any{
				"status":      int16(status),
				"resolved_by": resolvedBy,
				"resolved_at": at.UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("resolving approval: %w", res.Error)
		}
		pa, err := getApproval(tx, id)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return approval.ErrAlreadyResolved
		}
		out = pa
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ApprovalRepository) ListApprovals(ctx context.Context, sessionID uuid.UUID, status approval.Status) ([]*approval.PendingApproval, error) {
	var models []ApprovalModel
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND status = ?", sessionID, int16(status)).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing approvals: %w", err)
	}
	out := make([]*approval.PendingApproval, len(models))
	for i := range models {
		out[i] = toApprovalDomain(&models[i])
	}
	return out, nil
}

// ExpireApprovals marks overdue pending rows expired and returns them.
func (r *ApprovalRepository) ExpireApprovals(ctx context.Context, now time.Time) ([]*approval.PendingApproval, error) {
	now = now.UTC()
	var out []*approval.PendingApproval
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []ApprovalModel
		err := tx.
			Where("status = ? AND expires_at < ?", int16(approval.StatusPending), now).
			Find(&models).Error
		if err != nil {
			return fmt.Errorf("finding overdue approvals: %w", err)
		}
		for i := range models {
			m := &models[i]
			res := tx.Model(&ApprovalModel{}).
				Where("id = ? AND status = ?", m.ID, int16(approval.StatusPending)).
				Updates(map[string]any{"status": int16(approval.StatusExpired), "resolved_at": now})
			if res.Error != nil {
				return fmt.Errorf("expiring approval %s: %w", m.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			m.Status = int16(approval.StatusExpired)
			m.ResolvedAt = &now
			out = append(out, toApprovalDomain(m))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteResolvedApprovals removes resolved rows older than cutoff.
func (r *ApprovalRepository) DeleteResolvedApprovals(ctx context.Context, cutoff time.Time) error {
	return r.db.WithContext(ctx).
		Where("status <> ? AND resolved_at < ?", int16(approval.StatusPending), cutoff.UTC()).
		Delete(&ApprovalModel{}).Error
}
