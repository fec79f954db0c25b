package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/llm"
)

// MemoryStore implements SessionStore without persistence. History is lost
// on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*domain.ChatSession
	messages map[uuid.UUID][]domain.ChatMessage
}

var _ SessionStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*domain.ChatSession),
		messages: make(map[uuid.UUID][]domain.ChatMessage),
	}
}

// CreateSession stores a new active session, filling ID, title and timestamps.
func (s *MemoryStore) CreateSession(_ context.Context, session *domain.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.Title == "" {
		session.Title = domain.DefaultSessionTitle
	}
	now := time.Now().UTC()
	session.IsActive = true
	session.CreatedAt, session.UpdatedAt = now, now
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

// DeactivateSessions closes every session of a sandbox.
func (s *MemoryStore) DeactivateSessions(_ context.Context, sandboxID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.SandboxID == sandboxID {
			sess.IsActive = false
		}
	}
	return nil
}

// DeleteSession removes a session and its messages.
func (s *MemoryStore) DeleteSession(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session %w", domain.ErrNotFound)
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %w", domain.ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) UpdateSessionTitle(_ context.Context, id uuid.UUID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %w", domain.ErrNotFound)
	}
	sess.Title = title
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[msg.SessionID]; !ok {
		return fmt.Errorf("session %w", domain.ErrNotFound)
	}
	msgs := s.messages[msg.SessionID]
	msg.ID = uuid.New()
	msg.Seq = len(msgs) + 1
	msg.CreatedAt = time.Now().UTC()
	s.messages[msg.SessionID] = append(msgs, *msg)
	return nil
}

func (s *MemoryStore) LoadMessages(_ context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.ChatMessage(nil), msgs...), nil
}

func (s *MemoryStore) UpdateToolResult(_ context.Context, sessionID uuid.UUID, toolUseID string, inv domain.ToolInvocation, isError bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	found := false
	// Scan from newest to oldest.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := &msgs[i]
		switch m.Role {
		case domain.RoleAssistant:
			for j := range m.ToolCalls {
				if m.ToolCalls[j].ID == toolUseID {
					calls := append([]domain.ToolInvocation(nil), m.ToolCalls...)
					calls[j] = inv
					m.ToolCalls = calls
					found = true
				}
			}
		case domain.RoleTool:
			raw, ok, err := ReplaceToolResult(m.ContentBlocks, toolUseID, inv.Result, isError)
			if err != nil {
				return err
			}
			if ok {
				m.ContentBlocks = raw
				found = true
			}
		}
	}
	if !found {
		return fmt.Errorf("tool call %s %w", toolUseID, domain.ErrNotFound)
	}
	return nil
}

// ReplaceToolResult rewrites the tool_result block answering toolUseID in
// JSON-encoded content blocks and reports whether it was found.
func ReplaceToolResult(raw json.RawMessage, toolUseID, content string, isError bool) (json.RawMessage, bool, error) {
	if len(raw) == 0 {
		return raw, false, nil
	}
	var blocks []llm.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return raw, false, fmt.Errorf("decoding content blocks: %w", err)
	}
	for i := range blocks {
		if blocks[i].Type == llm.BlockToolResult && blocks[i].ToolUseID == toolUseID {
			blocks[i].Text = content
			blocks[i].IsError = isError
			out, err := json.Marshal(blocks)
			if err != nil {
				return raw, false, err
			}
			return out, true, nil
		}
	}
	return raw, false, nil
}
