package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SandboxModel maps to the "sandboxes" table.
type SandboxModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectID    string    `gorm:"not null;index"`
	State        string    `gorm:"not null;index"`
	Mode         string    `gorm:"not null;default:'blank'"`
	RepoURL      string
	GitBranch    string `gorm:"not null"`
	ContainerRef string
	VolumeRef    string
	CPU          float64 `gorm:"not null;default:1"`
	MemoryMB     int     `gorm:"not null;default:512"`
	DiskMB       int     `gorm:"not null;default:2048"`
	ErrorReason  string  `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastSyncedAt *time.Time
}

func (SandboxModel) TableName() string { return "sandboxes" }

// SessionModel maps to the "chat_sessions" table.
type SessionModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SandboxID uuid.UUID `gorm:"type:uuid;not null;index"`
	ProjectID string    `gorm:"not null"`
	UserID    string    `gorm:"not null;index"`
	Title     string    `gorm:"not null"`
	IsActive  bool      `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SessionModel) TableName() string { return "chat_sessions" }

// MessageModel maps to the "chat_messages" table.
// Seq is unique per session and assigned inside the insert transaction.
type MessageModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_chat_messages_session_seq"`
	Seq           int       `gorm:"not null;uniqueIndex:idx_chat_messages_session_seq"`
	Role          string    `gorm:"not null"`
	Content       string    `gorm:"type:text"`
	ContentBlocks JSONB     `gorm:"type:jsonb"`
	ToolCalls     JSONB     `gorm:"type:jsonb"`
	FilesModified JSONB     `gorm:"type:jsonb"`
	FilesCreated  JSONB     `gorm:"type:jsonb"`
	TokenEstimate int
	CreatedAt     time.Time
}

func (MessageModel) TableName() string { return "chat_messages" }

// PolicyModel maps to the "policies" table. One row per project.
type PolicyModel struct {
	ProjectID           string `gorm:"primaryKey"`
	CanModifyCode       bool   `gorm:"not null;default:false"`
	CanModifyInfra      bool   `gorm:"not null;default:false"`
	MaxRiskLevel        string
	CommandAllowlist    JSONB `gorm:"type:jsonb"`
	BlockedFilePatterns JSONB `gorm:"type:jsonb"`
	MaxFileSizeBytes    int64
	RequireApprovalFor  JSONB `gorm:"type:jsonb"`
	DeployCommand       string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (PolicyModel) TableName() string { return "policies" }

// AuditEntryModel maps to the "audit_entries" table.
// No UpdatedAt or DeletedAt: the audit log is append-only.
type AuditEntryModel struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Actor     string     `gorm:"not null"`
	Action    string     `gorm:"not null;index"`
	Target    string     `gorm:"type:text"`
	SandboxID *uuid.UUID `gorm:"type:uuid;index"`
	SessionID *uuid.UUID `gorm:"type:uuid;index"`
	Outcome   string     `gorm:"not null"`
	Detail    JSONB      `gorm:"type:jsonb"`
	Timestamp time.Time  `gorm:"column:recorded_at;not null;index"`
}

func (AuditEntryModel) TableName() string { return "audit_entries" }

// ApprovalModel maps to the "approvals" table.
type ApprovalModel struct {
	ID         string    `gorm:"primaryKey"`
	SandboxID  uuid.UUID `gorm:"type:uuid;not null"`
	SessionID  uuid.UUID `gorm:"type:uuid;not null;index"`
	ProjectID  string    `gorm:"not null"`
	UserID     string    `gorm:"not null"`
	ToolName   string    `gorm:"not null"`
	ToolUseID  string    `gorm:"not null"` // model tool_use block answered once resolved
	Args       JSONB     `gorm:"type:jsonb"`
	RiskLevel  string
	Reason     string `gorm:"type:text"`
	Status     int16  `gorm:"not null;default:0;index"`
	ResolvedBy string
	CreatedAt  time.Time
	ExpiresAt  time.Time `gorm:"index"`
	ResolvedAt *time.Time
}

func (ApprovalModel) TableName() string { return "approvals" }

// JSONB is a json.RawMessage stored in a jsonb column (TEXT on SQLite).
type JSONB json.RawMessage

// Value implements driver.Valuer. Empty values are stored as NULL.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB: unsupported type %T", src)
	}
	return nil
}

// models lists every table in foreign-key dependency order.
func models() []any {
	return []any{
		&SandboxModel{},
		&SessionModel{},
		&MessageModel{},
		&PolicyModel{},
		&AuditEntryModel{},
		&ApprovalModel{},
	}
}
