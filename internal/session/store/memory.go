// Package store persists test sessions.
package store

import (
	"context"
	"sync"

	"atsflow/internal/session/models"
	"atsflow/pkg/domain"
	"atsflow/pkg/platform/sentinel"
)

// InMemoryStore keeps sessions in process memory. Stored values are deep
// copies, so callers never share state with the store.
type InMemoryStore struct {
	mu     sync.RWMutex
	byID   map[domain.SessionID]*models.TestSession
	byCode map[string]domain.SessionID
	seq    int64
}

func NewMemory() *InMemoryStore {
	return &InMemoryStore{
		byID:   make(map[domain.SessionID]*models.TestSession),
		byCode: make(map[string]domain.SessionID),
	}
}

func (s *InMemoryStore) Create(_ context.Context, session *models.TestSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[session.ID]; exists {
		return sentinel.ErrConflict
	}
	if _, exists := s.byCode[session.Code]; exists {
		return sentinel.ErrConflict
	}
	s.byID[session.ID] = session.Clone()
	s.byCode[session.Code] = session.ID
	return nil
}

func (s *InMemoryStore) Save(_ context.Context, session *models.TestSession, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byID[session.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version != expectedVersion {
		return sentinel.ErrConflict
	}
	s.byID[session.ID] = session.Clone()
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id domain.SessionID) (*models.TestSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return session.Clone(), nil
}

func (s *InMemoryStore) FindByCode(ctx context.Context, code string) (*models.TestSession, error) {
	s.mu.RLock()
	id, ok := s.byCode[code]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.FindByID(ctx, id)
}

func (s *InMemoryStore) NextSequence(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}
