package postgres

import (
	"encoding/json"
	"time"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/domain"
)

// --- Sandbox ---

func toSandboxModel(sb domain.Sandbox) SandboxModel {
	return SandboxModel{
		ID:           sb.ID,
		ProjectID:    sb.ProjectID,
		State:        string(sb.State),
		Mode:         string(sb.Mode),
		RepoURL:      sb.RepoURL,
		GitBranch:    sb.GitBranch,
		ContainerRef: sb.ContainerRef,
		VolumeRef:    sb.VolumeRef,
		CPU:          sb.Limits.CPU,
		MemoryMB:     sb.Limits.MemoryMB,
		DiskMB:       sb.Limits.DiskMB,
		ErrorReason:  sb.ErrorReason,
		CreatedAt:    sb.CreatedAt,
		UpdatedAt:    sb.UpdatedAt,
		LastSyncedAt: sb.LastSyncedAt,
	}
}

func toSandboxDomain(m *SandboxModel) domain.Sandbox {
	return domain.Sandbox{
		ID:           m.ID,
		ProjectID:    m.ProjectID,
		State:        domain.SandboxState(m.State),
		Mode:         domain.SandboxMode(m.Mode),
		RepoURL:      m.RepoURL,
		GitBranch:    m.GitBranch,
		ContainerRef: m.ContainerRef,
		VolumeRef:    m.VolumeRef,
		Limits: domain.ResourceLimits{
			CPU:      m.CPU,
			MemoryMB: m.MemoryMB,
			DiskMB:   m.DiskMB,
		},
		ErrorReason:  m.ErrorReason,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		LastSyncedAt: m.LastSyncedAt,
	}
}

// --- Session ---

func toSessionModel(s *domain.ChatSession) SessionModel {
	return SessionModel{
		ID:        s.ID,
		SandboxID: s.SandboxID,
		ProjectID: s.ProjectID,
		UserID:    s.UserID,
		Title:     s.Title,
		IsActive:  s.IsActive,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func toSessionDomain(m *SessionModel) *domain.ChatSession {
	return &domain.ChatSession{
		ID:        m.ID,
		SandboxID: m.SandboxID,
		ProjectID: m.ProjectID,
		UserID:    m.UserID,
		Title:     m.Title,
		IsActive:  m.IsActive,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// --- Message ---

func toMessageModel(msg *domain.ChatMessage) (MessageModel, error) {
	m := MessageModel{
		ID:            msg.ID,
		SessionID:     msg.SessionID,
		Seq:           msg.Seq,
		Role:          string(msg.Role),
		Content:       msg.Content,
		ContentBlocks: JSONB(msg.ContentBlocks),
		TokenEstimate: msg.TokenEstimate,
		CreatedAt:     msg.CreatedAt,
	}
	var err error
	if m.ToolCalls, err = marshalOptional(msg.ToolCalls); err != nil {
		return m, err
	}
	if m.FilesModified, err = marshalOptional(msg.FilesModified); err != nil {
		return m, err
	}
	if m.FilesCreated, err = marshalOptional(msg.FilesCreated); err != nil {
		return m, err
	}
	return m, nil
}

func toMessageDomain(m *MessageModel) domain.ChatMessage {
	msg := domain.ChatMessage{
		ID:            m.ID,
		SessionID:     m.SessionID,
		Seq:           m.Seq,
		Role:          domain.MessageRole(m.Role),
		Content:       m.Content,
		TokenEstimate: m.TokenEstimate,
		CreatedAt:     m.CreatedAt,
	}
	if len(m.ContentBlocks) > 0 {
		msg.ContentBlocks = json.RawMessage(m.ContentBlocks)
	}
	// Malformed columns degrade to empty slices rather than failing the load.
	unmarshalOptional(m.ToolCalls, &msg.ToolCalls)
	unmarshalOptional(m.FilesModified, &msg.FilesModified)
	unmarshalOptional(m.FilesCreated, &msg.FilesCreated)
	return msg
}

// --- Policy ---

func toPolicyModel(p domain.Policy) (PolicyModel, error) {
	m := PolicyModel{
		ProjectID:        p.ProjectID,
		CanModifyCode:    p.CanModifyCode,
		CanModifyInfra:   p.CanModifyInfra,
		MaxRiskLevel:     p.MaxRiskLevel,
		MaxFileSizeBytes: p.MaxFileSizeBytes,
		DeployCommand:    p.DeployCommand,
	}
	var err error
	if m.CommandAllowlist, err = marshalOptional(p.CommandAllowlist); err != nil {
		return m, err
	}
	if m.BlockedFilePatterns, err = marshalOptional(p.BlockedFilePatterns); err != nil {
		return m, err
	}
	if m.RequireApprovalFor, err = marshalOptional(p.RequireApprovalFor); err != nil {
		return m, err
	}
	return m, nil
}

func toPolicyDomain(m *PolicyModel) *domain.Policy {
	p := &domain.Policy{
		ProjectID:        m.ProjectID,
		CanModifyCode:    m.CanModifyCode,
		CanModifyInfra:   m.CanModifyInfra,
		MaxRiskLevel:     m.MaxRiskLevel,
		MaxFileSizeBytes: m.MaxFileSizeBytes,
		DeployCommand:    m.DeployCommand,
	}
	unmarshalOptional(m.CommandAllowlist, &p.CommandAllowlist)
	unmarshalOptional(m.BlockedFilePatterns, &p.BlockedFilePatterns)
	unmarshalOptional(m.RequireApprovalFor, &p.RequireApprovalFor)
	return p
}

// --- Audit ---

func toAuditModel(e domain.AuditEntry) (AuditEntryModel, error) {
	detail, err := marshalOptional(e.Detail)
	if err != nil {
		return AuditEntryModel{}, err
	}
	return AuditEntryModel{
		ID:        e.ID,
		Actor:     e.Actor,
		Action:    e.Action,
		Target:    e.Target,
		SandboxID: e.SandboxID,
		SessionID: e.SessionID,
		Outcome:   string(e.Outcome),
		Detail:    detail,
		Timestamp: e.Timestamp.UTC(),
	}, nil
}

func toAuditDomain(m *AuditEntryModel) domain.AuditEntry {
	e := domain.AuditEntry{
		ID:        m.ID,
		Actor:     m.Actor,
		Action:    m.Action,
		Target:    m.Target,
		SandboxID: m.SandboxID,
		SessionID: m.SessionID,
		Outcome:   domain.AuditOutcome(m.Outcome),
		Timestamp: m.Timestamp,
	}
	unmarshalOptional(m.Detail, &e.Detail)
	return e
}

// --- Approval ---

func toApprovalModel(pa *approval.PendingApproval) ApprovalModel {
	m := ApprovalModel{
		ID:         pa.ID,
		SandboxID:  pa.SandboxID,
		SessionID:  pa.SessionID,
		ProjectID:  pa.ProjectID,
		UserID:     pa.UserID,
		ToolName:   pa.ToolName,
		ToolUseID:  pa.ToolUseID,
		Args:       JSONB(pa.Args),
		RiskLevel:  pa.RiskLevel,
		Reason:     pa.Reason,
		Status:     int16(pa.Status),
		ResolvedBy: pa.ResolvedBy,
		CreatedAt:  pa.CreatedAt,
		ExpiresAt:  pa.ExpiresAt,
	}
	if !pa.ResolvedAt.IsZero() {
		at := pa.ResolvedAt
		m.ResolvedAt = &at
	}
	return m
}

func toApprovalDomain(m *ApprovalModel) *approval.PendingApproval {
	pa := &approval.PendingApproval{
		ID:         m.ID,
		SandboxID:  m.SandboxID,
		SessionID:  m.SessionID,
		ProjectID:  m.ProjectID,
		UserID:     m.UserID,
		ToolName:   m.ToolName,
		ToolUseID:  m.ToolUseID,
		RiskLevel:  m.RiskLevel,
		Reason:     m.Reason,
		Status:     approval.Status(m.Status),
		ResolvedBy: m.ResolvedBy,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  m.ExpiresAt,
	}
	if len(m.Args) > 0 {
		pa.Args = json.RawMessage(m.Args)
	}
	if m.ResolvedAt != nil {
		pa.ResolvedAt = *m.ResolvedAt
	}
	return pa
}

// --- helpers ---

// marshalOptional encodes v, storing nil for empty slices and maps.
func marshalOptional[T any](v T) (JSONB, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	switch string(data) {
	case "null", "[]", "{}":
		return nil, nil
	}
	return JSONB(data), nil
}

func unmarshalOptional[T any](data JSONB, dst *T) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, dst)
}

func utcNow() time.Time { return time.Now().UTC() }
