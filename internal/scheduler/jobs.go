package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
)

// Job names.
const (
	JobReconcile       = "sandbox_reconcile"
	JobExpireApprovals = "approval_expiry"
	JobPruneApprovals  = "approval_prune"
	JobPruneRateLimits = "ratelimit_prune"
	JobPruneStreams    = "stream_prune"
)

// Reconciler repairs running sandboxes whose containers drifted.
type Reconciler interface {
	Reconcile(ctx context.Context) (repaired, failed int)
}

// ApprovalExpirer expires overdue approvals and settles their turns.
type ApprovalExpirer interface {
	ExpireApprovals(ctx context.Context) (int, error)
}

// ApprovalPruner deletes resolved approvals older than a cutoff.
type ApprovalPruner interface {
	DeleteResolvedApprovals(ctx context.Context, cutoff time.Time) error
}

// ReconcileJob reports an error when any sandbox could not be repaired, so
// the failure shows up in job metrics.
func ReconcileJob(r Reconciler) JobFunc {
	return func(ctx context.Context) error {
		if _, failed := r.Reconcile(ctx); failed > 0 {
			return fmt.Errorf("%d sandbox(es) could not be repaired", failed)
		}
		return nil
	}
}

// ExpireApprovalsJob expires overdue approvals.
func ExpireApprovalsJob(e ApprovalExpirer, logger *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		n, err := e.ExpireApprovals(ctx)
		if err != nil {
			return fmt.Errorf("expiring approvals: %w", err)
		}
		if n > 0 {
			logger.InfoContext(ctx, "approvals expired", slog.Int("count", n))
		}
		return nil
	}
}

// PruneApprovalsJob deletes approvals resolved more than retention ago.
func PruneApprovalsJob(p ApprovalPruner, retention time.Duration) JobFunc {
	return func(ctx context.Context) error {
		if err := p.DeleteResolvedApprovals(ctx, time.Now().UTC().Add(-retention)); err != nil {
			return fmt.Errorf("pruning approvals: %w", err)
		}
		return nil
	}
}

// BucketPruner drops idle rate-limit buckets.
type BucketPruner interface {
	Prune(idle time.Duration) int
}

// PruneRateLimitsJob forgets callers idle for longer than idle.
func PruneRateLimitsJob(p BucketPruner, idle time.Duration, logger *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		if n := p.Prune(idle); n > 0 {
			logger.DebugContext(ctx, "rate limit buckets pruned", slog.Int("count", n))
		}
		return nil
	}
}

// StreamPruner holds per-session stream counters.
type StreamPruner interface {
	Idle() []uuid.UUID
	Forget(sessionID uuid.UUID)
}

// SessionGetter looks up chat sessions.
type SessionGetter interface {
	GetSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error)
}

// PruneStreamsJob drops the stream counters of closed or deleted sessions.
func PruneStreamsJob(p StreamPruner, sessions SessionGetter, logger *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		pruned := 0
		for _, id := range p.Idle() {
			sess, err := sessions.GetSession(ctx, id)
			switch {
			case errors.Is(err, domain.ErrNotFound):
			case err != nil:
				return fmt.Errorf("looking up session %s: %w", id, err)
			case sess.IsActive:
				continue
			}
			p.Forget(id)
			pruned++
		}
		if pruned > 0 {
			logger.DebugContext(ctx, "session streams pruned", slog.Int("count", pruned))
		}
		return nil
	}
}
