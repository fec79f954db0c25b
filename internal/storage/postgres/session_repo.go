package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/domain"
)

// Compile-time interface check.
var _ agent.SessionStore = (*SessionRepository)(nil)

// toolResultScanDepth bounds how far back UpdateToolResult looks. Pending
// results sit near the end of a session.
const toolResultScanDepth = 40

// SessionRepository implements agent.SessionStore.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// CreateSession stores a new active session, filling ID, title and timestamps.
func (r *SessionRepository) CreateSession(ctx context.Context, session *domain.ChatSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.Title == "" {
		session.Title = domain.DefaultSessionTitle
	}
	now := utcNow()
	session.IsActive = true
	session.CreatedAt, session.UpdatedAt = now, now

	model := toSessionModel(session)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID.
func (r *SessionRepository) GetSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	var model SessionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %s %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return toSessionDomain(&model), nil
}

// ListSessions returns the sessions of a sandbox, newest first.
func (r *SessionRepository) ListSessions(ctx context.Context, sandboxID uuid.UUID) ([]domain.ChatSession, error) {
	var models []SessionModel
	err := r.db.WithContext(ctx).
		Where("sandbox_id = ?", sandboxID).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]domain.ChatSession, len(models))
	for i := range models {
		out[i] = *toSessionDomain(&models[i])
	}
	return out, nil
}

func (r *SessionRepository) UpdateSessionTitle(ctx context.Context, id uuid.UUID, title string) error {
	res := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"title": title, "updated_at": utcNow()})
	if res.Error != nil {
		return fmt.Errorf("updating session title: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s %w", id, domain.ErrNotFound)
	}
	return nil
}

// DeleteSession removes a session and its messages.
func (r *SessionRepository) DeleteSession(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&MessageModel{}).Error; err != nil {
			return fmt.Errorf("deleting messages of %s: %w", id, err)
		}
		res := tx.Where("id = ?", id).Delete(&SessionModel{})
		if res.Error != nil {
			return fmt.Errorf("deleting session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("session %s %w", id, domain.ErrNotFound)
		}
		return nil
	})
}

// DeactivateSessions closes every session bound to a sandbox.
func (r *SessionRepository) DeactivateSessions(ctx context.Context, sandboxID uuid.UUID) error {
	return deactivateSessions(r.db.WithContext(ctx), sandboxID)
}

// AppendMessage inserts msg with the next sequence number of its session.
func (r *SessionRepository) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&SessionModel{}).Where("id = ?", msg.SessionID).Count(&count).Error; err != nil {
			return fmt.Errorf("looking up session: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("session %s %w", msg.SessionID, domain.ErrNotFound)
		}

		var maxSeq int
		err := tx.Model(&MessageModel{}).
			Where("session_id = ?", msg.SessionID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return fmt.Errorf("getting max seq: %w", err)
		}

		msg.ID = uuid.New()
		msg.Seq = maxSeq + 1
		msg.CreatedAt = utcNow()
		model, err := toMessageModel(msg)
		if err != nil {
			return fmt.Errorf("encoding message: %w", err)
		}
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		return tx.Model(&SessionModel{}).Where("id = ?", msg.SessionID).Update("updated_at", msg.CreatedAt).Error
	})
}

// LoadMessages returns the most recent limit messages, oldest first.
// A non-positive limit loads the whole session.
func (r *SessionRepository) LoadMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []MessageModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	out := make([]domain.ChatMessage, len(models))
	for i := range models {
		out[len(models)-1-i] = toMessageDomain(&models[i])
	}
	return out, nil
}

// UpdateToolResult rewrites the recorded invocation and its tool_result
// block once an approval is resolved.
func (r *SessionRepository) UpdateToolResult(ctx context.Context, sessionID uuid.UUID, toolUseID string, inv domain.ToolInvocation, isError bool) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []MessageModel
		err := tx.
			Where("session_id = ? AND role IN ?", sessionID, []string{string(domain.RoleAssistant), string(domain.RoleTool)}).
			Order("seq DESC").
			Limit(toolResultScanDepth).
			Find(&models).Error
		if err != nil {
			return fmt.Errorf("loading messages for tool result update: %w", err)
		}

		found := false
		for i := range models {
			m := &models[i]
			updates := map[string]any{}
			switch domain.MessageRole(m.Role) {
			case domain.RoleAssistant:
				var calls []domain.ToolInvocation
				unmarshalOptional(m.ToolCalls, &calls)
				changed := false
				for j := range calls {
					if calls[j].ID == toolUseID {
						calls[j] = inv
						changed = true
					}
				}
				if changed {
					data, err := json.Marshal(calls)
					if err != nil {
						return fmt.Errorf("encoding tool calls: %w", err)
					}
					updates["tool_calls"] = JSONB(data)
				}
			case domain.RoleTool:
				raw, ok, err := agent.ReplaceToolResult(json.RawMessage(m.ContentBlocks), toolUseID, inv.Result, isError)
				if err != nil {
					return err
				}
				if ok {
					updates["content_blocks"] = JSONB(raw)
				}
			}
			if len(updates) == 0 {
				continue
			}
			if err := tx.Model(&MessageModel{}).Where("id = ?", m.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("updating message %s: %w", m.ID, err)
			}
			found = true
		}
		if !found {
			return fmt.Errorf("tool call %s %w", toolUseID, domain.ErrNotFound)
		}
		return nil
	})
}
