// Package approval persists tool invocations that policy routed to a human
// and tracks their resolution. An approval is created pending and moves
// exactly once to approved, denied or expired.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
)

var (
	ErrNotFound        = fmt.Errorf("approval %w", domain.ErrNotFound)
	ErrExpired         = fmt.Errorf("%w: approval expired", domain.ErrInvalidState)
	ErrAlreadyResolved = fmt.Errorf("%w: approval already resolved", domain.ErrInvalidState)
)

// DefaultTTL is how long an approval stays pending.
const DefaultTTL = 24 * time.Hour

// Status represents the state of an approval request.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDenied
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "approved":
		return StatusApproved, nil
	case "denied":
		return StatusDenied, nil
	case "expired":
		return StatusExpired, nil
	}
	return 0, fmt.Errorf("unknown approval status %q", s)
}

// PendingApproval stores everything needed to execute or discard a tool
// invocation after a human decision.
type PendingApproval struct {
	ID         string          `json:"id"`
	SandboxID  uuid.UUID       `json:"sandbox_id"`
	SessionID  uuid.UUID       `json:"session_id"`
	ProjectID  string          `json:"project_id"`
	UserID     string          `json:"user_id"` // who triggered the action
	ToolName   string          `json:"tool_name"`
	ToolUseID  string          `json:"tool_use_id"` // model tool_use block ID
	Args       json.RawMessage `json:"args"`
	RiskLevel  string          `json:"risk_level"`
	Reason     string          `json:"reason"`
	Status     Status          `json:"-"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	ResolvedAt time.Time       `json:"resolved_at,omitzero"`
}

// MarshalJSON renders Status by name.
func (p PendingApproval) MarshalJSON() ([]byte, error) {
	type plain PendingApproval
	return json.Marshal(struct {
		plain
		Status string `json:"status"`
	}{plain(p), p.Status.String()})
}

// CreateRequest contains the fields needed to create a pending approval.
type CreateRequest struct {
	SandboxID uuid.UUID
	SessionID uuid.UUID
	ProjectID string
	UserID    string
	ToolName  string
	ToolUseID string
	Args      json.RawMessage
	RiskLevel string
	Reason    string
}

// ApprovalManager is the contract used by the agent and the transports.
type ApprovalManager interface {
	Create(ctx context.Context, req *CreateRequest) (string, error)
	Get(ctx context.Context, id string) (*PendingApproval, error)
	Approve(ctx context.Context, id, approverID string) (*PendingApproval, error)
	Deny(ctx context.Context, id, denierID string) (*PendingApproval, error)
	ListPending(ctx context.Context, sessionID uuid.UUID) ([]*PendingApproval, error)
	Expire(ctx context.Context) ([]*PendingApproval, error)
}

// Manager implements ApprovalManager on top of an ApprovalStore.
type Manager struct {
	store  ApprovalStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

var _ ApprovalManager = (*Manager)(nil)

// NewManager creates a manager. A zero ttl selects DefaultTTL.
func NewManager(store ApprovalStore, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, ttl: ttl, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// TTL returns the configured approval lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Create stores a new pending approval and returns its unique ID.
func (m *Manager) Create(ctx context.Context, req *CreateRequest) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", fmt.Errorf("generating approval ID: %w", err)
	}
	now := m.now()
	pa := &PendingApproval{
		ID:        id,
		SandboxID: req.SandboxID,
		SessionID: req.SessionID,
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		ToolName:  req.ToolName,
		ToolUseID: req.ToolUseID,
		Args:      req.Args,
		RiskLevel: req.RiskLevel,
		Reason:    req.Reason,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.CreateApproval(ctx, pa); err != nil {
		return "", fmt.Errorf("storing approval: %w", err)
	}

	m.logger.InfoContext(ctx, "approval created",
		slog.String("approval_id", id),
		slog.String("session_id", req.SessionID.String()),
		slog.String("user_id", req.UserID),
		slog.String("tool", req.ToolName),
		slog.String("risk", req.RiskLevel),
	)
	return id, nil
}

// Get retrieves an approval, reporting a pending one past its deadline as expired.
func (m *Manager) Get(ctx context.Context, id string) (*PendingApproval, error) {
	pa, err := m.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if pa.Status == StatusPending && m.now().After(pa.ExpiresAt) {
		pa.Status = StatusExpired
	}
	return pa, nil
}

// Approve marks a pending approval as approved and returns it.
func (m *Manager) Approve(ctx context.Context, id, approverID string) (*PendingApproval, error) {
	return m.resolve(ctx, id, approverID, StatusApproved)
}

// Deny marks a pending approval as denied and returns it.
func (m *Manager) Deny(ctx context.Context, id, denierID string) (*PendingApproval, error) {
	return m.resolve(ctx, id, denierID, StatusDenied)
}

func (m *Manager) resolve(ctx context.Context, id, resolverID string, status Status) (*PendingApproval, error) {
	pa, err := m.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if pa.Status == StatusPending && now.After(pa.ExpiresAt) {
		if _, err := m.store.ResolveApproval(ctx, id, StatusExpired, "", now); err != nil && !errors.Is(err, ErrAlreadyResolved) {
			return nil, err
		}
		return nil, ErrExpired
	}
	if pa.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}

	// The store transition is conditional on the row still being pending, so
	// two concurrent resolutions cannot both win.
	resolved, err := m.store.ResolveApproval(ctx, id, status, resolverID, now)
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "approval resolved",
		slog.String("approval_id", id),
		slog.String("resolver", resolverID),
		slog.String("status", status.String()),
		slog.String("tool", resolved.ToolName),
	)
	return resolved, nil
}

// ListPending returns the unexpired pending approvals of a session, oldest first.
func (m *Manager) ListPending(ctx context.Context, sessionID uuid.UUID) ([]*PendingApproval, error) {
	all, err := m.store.ListApprovals(ctx, sessionID, StatusPending)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := all[:0]
	for _, pa := range all {
		if !now.After(pa.ExpiresAt) {
			out = append(out, pa)
		}
	}
	return out, nil
}

// Expire moves every pending approval past its deadline to expired and
// deletes approvals resolved more than one TTL ago. It returns the
// approvals it expired.
func (m *Manager) Expire(ctx context.Context) ([]*PendingApproval, error) {
	now := m.now()
	expired, err := m.store.ExpireApprovals(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("expiring approvals: %w", err)
	}
	if err := m.store.DeleteResolvedApprovals(ctx, now.Add(-m.ttl)); err != nil {
		return expired, fmt.Errorf("deleting resolved approvals: %w", err)
	}
	if len(expired) > 0 {
		m.logger.InfoContext(ctx, "approvals expired", slog.Int("count", len(expired)))
	}
	return expired, nil
}

func generateID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
