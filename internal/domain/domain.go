// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkspaceRoot is the directory every sandbox volume is mounted at.
const WorkspaceRoot = "/workspace"

// SandboxState is a node of the sandbox lifecycle graph.
type SandboxState string

const (
	StateProvisioning SandboxState = "provisioning"
	StateRunning      SandboxState = "running"
	StateStopped      SandboxState = "stopped"
	StateDestroying   SandboxState = "destroying"
	StateDestroyed    SandboxState = "destroyed"
	StateError        SandboxState = "error"
)

// transitions lists the allowed edges. Error is reachable from every
// non-terminal state and is handled separately in CanTransition.
var transitions = map[SandboxState][]SandboxState{
	StateProvisioning: {StateRunning},
	StateRunning:      {StateStopped, StateDestroying},
	StateStopped:      {StateRunning, StateDestroying},
	StateDestroying:   {StateDestroyed},
	StateError:        {StateDestroying},
}

// CanTransition reports whether the lifecycle graph has an edge from s to next.
func (s SandboxState) CanTransition(next SandboxState) bool {
	if s == StateDestroyed {
		return false
	}
	if next == StateError {
		return s != StateError
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s SandboxState) Terminal() bool { return s == StateDestroyed }

// Live reports whether the sandbox holds runtime resources (container or volume).
func (s SandboxState) Live() bool {
	switch s {
	case StateProvisioning, StateRunning, StateStopped, StateDestroying:
		return true
	}
	return false
}

// SandboxMode selects how the workspace is initialized.
type SandboxMode string

const (
	ModeClone SandboxMode = "clone" // git clone of RepoURL.
	ModeBlank SandboxMode = "blank" // empty git repository.
)

// ResourceLimits constrain a sandbox container.
type ResourceLimits struct {
	CPU      float64 `json:"cpu"`
	MemoryMB int     `json:"memory_mb"`
	DiskMB   int     `json:"disk_mb"`
}

// DefaultLimits are applied to zero-valued fields of a create request.
var DefaultLimits = ResourceLimits{CPU: 1, MemoryMB: 512, DiskMB: 2048}

// WithDefaults fills zero fields from DefaultLimits.
func (l ResourceLimits) WithDefaults() ResourceLimits {
	if l.CPU <= 0 {
		l.CPU = DefaultLimits.CPU
	}
	if l.MemoryMB <= 0 {
		l.MemoryMB = DefaultLimits.MemoryMB
	}
	if l.DiskMB <= 0 {
		l.DiskMB = DefaultLimits.DiskMB
	}
	return l
}

// Sandbox is the isolated execution environment bound to one project.
// Exactly one live container exists per non-terminal sandbox.
type Sandbox struct {
	ID           uuid.UUID      `json:"id"`
	ProjectID    string         `json:"project_id"`
	State        SandboxState   `json:"state"`
	Mode         SandboxMode    `json:"mode"`
	RepoURL      string         `json:"repo_url,omitempty"`
	GitBranch    string         `json:"git_branch"`
	ContainerRef string         `json:"container_ref,omitempty"`
	VolumeRef    string         `json:"volume_ref,omitempty"`
	Limits       ResourceLimits `json:"limits"`
	ErrorReason  string         `json:"error_reason,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastSyncedAt *time.Time     `json:"last_synced_at,omitempty"`
}

// ChatSession is one conversation with the agent inside a sandbox.
// Destroying the sandbox marks its sessions inactive.
type ChatSession struct {
	ID        uuid.UUID `json:"id"`
	SandboxID uuid.UUID `json:"sandbox_id"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultSessionTitle is used when a session is created without a title.
const DefaultSessionTitle = "New Chat"

// MessageRole identifies the author of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// ChatMessage is a single ordered entry of a session.
type ChatMessage struct {
	ID            uuid.UUID        `json:"id"`
	SessionID     uuid.UUID        `json:"session_id"`
	Seq           int              `json:"seq"`
	Role          MessageRole      `json:"role"`
	Content       string           `json:"content"`
	ContentBlocks json.RawMessage  `json:"content_blocks,omitempty"` // provider-neutral structured blocks.
	ToolCalls     []ToolInvocation `json:"tool_calls,omitempty"`
	FilesModified []string         `json:"files_modified,omitempty"`
	FilesCreated  []string         `json:"files_created,omitempty"`
	TokenEstimate int              `json:"token_estimate,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// InvocationStatus tracks a tool call from request to outcome.
type InvocationStatus string

const (
	InvocationPending          InvocationStatus = "pending"
	InvocationAllowed          InvocationStatus = "allowed"
	InvocationDenied           InvocationStatus = "denied"
	InvocationAwaitingApproval InvocationStatus = "awaiting_approval"
	InvocationSucceeded        InvocationStatus = "succeeded"
	InvocationFailed           InvocationStatus = "failed"
	InvocationTimedOut         InvocationStatus = "timed_out"
)

// ToolInvocation records one tool call requested by the model.
type ToolInvocation struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Args           json.RawMessage  `json:"args"`
	PolicyDecision string           `json:"policy_decision,omitempty"`
	Result         string           `json:"result,omitempty"`
	Status         InvocationStatus `json:"status"`
	DurationMS     int64            `json:"duration_ms"`
}

// Policy is the per-project safety configuration.
type Policy struct {
	ProjectID           string   `json:"project_id" yaml:"project_id"`
	CanModifyCode       bool     `json:"can_modify_code" yaml:"can_modify_code"`
	CanModifyInfra      bool     `json:"can_modify_infra" yaml:"can_modify_infra"`
	MaxRiskLevel        string   `json:"max_risk_level" yaml:"max_risk_level"`
	CommandAllowlist    []string `json:"command_allowlist" yaml:"command_allowlist"`
	BlockedFilePatterns []string `json:"blocked_file_patterns" yaml:"blocked_file_patterns"`
	MaxFileSizeBytes    int64    `json:"max_file_size_bytes" yaml:"max_file_size_bytes"`
	RequireApprovalFor  []string `json:"require_approval_for" yaml:"require_approval_for"`
	DeployCommand       string   `json:"deploy_command,omitempty" yaml:"deploy_command"`
}

// DefaultMaxFileSize bounds reads and writes when a policy does not set one.
const DefaultMaxFileSize int64 = 1 << 20

// FileSizeLimit returns MaxFileSizeBytes or DefaultMaxFileSize.
func (p Policy) FileSizeLimit() int64 {
	if p.MaxFileSizeBytes > 0 {
		return p.MaxFileSizeBytes
	}
	return DefaultMaxFileSize
}

// AuditOutcome is the result recorded for an audited action.
type AuditOutcome string

const (
	OutcomeSuccess          AuditOutcome = "success"
	OutcomeFailure          AuditOutcome = "failure"
	OutcomeDenied           AuditOutcome = "denied"
	OutcomeApprovalRequired AuditOutcome = "approval_required"
)

// AuditEntry is an append-only record of a security-relevant action.
// Never updated or deleted.
type AuditEntry struct {
	ID        uuid.UUID      `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Target    string         `json:"target"`
	SandboxID *uuid.UUID     `json:"sandbox_id,omitempty"`
	SessionID *uuid.UUID     `json:"session_id,omitempty"`
	Outcome   AuditOutcome   `json:"outcome"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	SandboxID *uuid.UUID
	SessionID *uuid.UUID
	Action    string
	Limit     int
}

// NewID generates a new random UUID.
func NewID() uuid.UUID {
	return uuid.New()
}
