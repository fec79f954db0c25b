package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/security"
	"github.com/jkaninda/kazi/internal/storage"
)

// Repositories bundles the GORM repositories over one connection. The
// repositories are dialect-neutral; the SQLite store embeds the same set.
type Repositories struct {
	sandboxes *SandboxRepository
	sessions  *SessionRepository
	policies  *PolicyRepository
	audit     *AuditRepository
	approvals *ApprovalRepository
}

func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		sandboxes: NewSandboxRepository(db),
		sessions:  NewSessionRepository(db),
		policies:  NewPolicyRepository(db),
		audit:     NewAuditRepository(db),
		approvals: NewApprovalRepository(db),
	}
}

func (r Repositories) Sandboxes() storage.SandboxStore { return r.sandboxes }
func (r Repositories) Sessions() storage.SessionStore { return r.sessions }
func (r Repositories) Policies() security.PolicyStore { return r.policies }
func (r Repositories) Audit() security.AuditStore { return r.audit }
func (r Repositories) Approvals() approval.ApprovalStore { return r.approvals }

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	Repositories
	db *DB
}

var _ storage.Store = (*Store)(nil)

func NewStore(db *DB) *Store {
	return &Store{Repositories: NewRepositories(db.GormDB()), db: db}
}

func (s *Store) Migrate(ctx context.Context) error { return AutoMigrate(ctx, s.db.GormDB()) }
func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }
func (s *Store) Close() error { return s.db.Close() }
func (s *Store) Driver() string { return storage.DriverPostgres }
