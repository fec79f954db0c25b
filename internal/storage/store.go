// Package storage defines the unified Store interface that abstracts all persistence operations.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (production).
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/controller"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/security"
)

// Store is the unified persistence interface for kazi.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Sub-store accessors. The returned stores share one connection pool.
	Sandboxes() SandboxStore
	Sessions() SessionStore
	Policies() security.PolicyStore
	Audit() security.AuditStore
	Approvals() approval.ApprovalStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// SandboxStore persists sandbox records.
type SandboxStore interface {
	controller.Store
	// GetSandbox returns domain.ErrNotFound for unknown IDs. Destroyed
	// sandboxes are still returned.
	GetSandbox(ctx context.Context, id uuid.UUID) (domain.Sandbox, error)
}

// SessionStore persists chat sessions and their messages.
type SessionStore interface {
	agent.SessionStore
	CreateSession(ctx context.Context, session *domain.ChatSession) error
	ListSessions(ctx context.Context, sandboxID uuid.UUID) ([]domain.ChatSession, error)
	DeactivateSessions(ctx context.Context, sandboxID uuid.UUID) error
	DeleteSession(ctx context.Context, id uuid.UUID) error
}

// Storage driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)
