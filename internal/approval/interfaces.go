package approval

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ApprovalStore is the persistence contract for approval records.
// Implementations must enforce the state machine:
//   - Pending -> Approved
//   - Pending -> Denied
//   - Pending -> Expired
//
// Once Approved/Denied/Expired, status is immutable.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, pa *PendingApproval) error
	// GetApproval returns ErrNotFound for unknown IDs.
	GetApproval(ctx context.Context, id string) (*PendingApproval, error)
	// ResolveApproval transitions a pending approval and returns the updated
	// record. It returns ErrAlreadyResolved when the approval is not pending.
	ResolveApproval(ctx context.Context, id string, status Status, resolvedBy string, at time.Time) (*PendingApproval, error)
	// ListApprovals returns a session's approvals in a status, oldest first.
	ListApprovals(ctx context.Context, sessionID uuid.UUID, status Status) ([]*PendingApproval, error)
	// ExpireApprovals marks pending approvals with ExpiresAt before now as
	// expired and returns them.
	ExpireApprovals(ctx context.Context, now time.Time) ([]*PendingApproval, error)
	// DeleteResolvedApprovals removes non-pending approvals resolved before cutoff.
	DeleteResolvedApprovals(ctx context.Context, cutoff time.Time) error
}
