package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps approvals in memory. Approvals are lost on restart.
type MemoryStore struct {
	mu        sync.Mutex
	approvals map[string]*PendingApproval
}

var _ ApprovalStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{approvals: make(map[string]*PendingApproval)}
}

func (s *MemoryStore) CreateApproval(_ context.Context, pa *PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pa
	s.approvals[pa.ID] = &cp
	return nil
}

func (s *MemoryStore) GetApproval(_ context.Context, id string) (*PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pa, ok := s.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pa
	return &cp, nil
}

func (s *MemoryStore) ResolveApproval(_ context.Context, id string, status Status, resolvedBy string, at time.Time) (*PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pa, ok := s.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	if pa.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}
	pa.Status = status
	pa.ResolvedBy = resolvedBy
	pa.ResolvedAt = at
	cp := *pa
	return &cp, nil
}

func (s *MemoryStore) ListApprovals(_ context.Context, sessionID uuid.UUID, status Status) ([]*PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PendingApproval
	for _, pa := range s.approvals {
		if pa.SessionID == sessionID && pa.Status == status {
			cp := *pa
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ExpireApprovals(_ context.Context, now time.Time) ([]*PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PendingApproval
	for _, pa := range s.approvals {
		if pa.Status == StatusPending && now.After(pa.ExpiresAt) {
			pa.Status = StatusExpired
			pa.ResolvedAt = now
			cp := *pa
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteResolvedApprovals(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pa := range s.approvals {
		if pa.Status != StatusPending && pa.ResolvedAt.Before(cutoff) {
			delete(s.approvals, id)
		}
	}
	return nil
}
