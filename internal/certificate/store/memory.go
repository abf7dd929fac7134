// Package store persists issued certificates.
package store

import (
	"context"
	"sync"

	"atsflow/internal/session/models"
	"atsflow/pkg/platform/sentinel"
)

// InMemoryStore keeps certificates in process memory. A session holds at
// most one certificate and numbers are unique.
type InMemoryStore struct {
	mu        sync.RWMutex
	byNumber  map[string]models.Certificate
	bySession map[string]string
	seq       int64
}

func NewMemory() *InMemoryStore {
	return &InMemoryStore{
		byNumber:  make(map[string]models.Certificate),
		bySession: make(map[string]string),
	}
}

func (s *InMemoryStore) Create(_ context.Context, cert *models.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byNumber[cert.Number]; exists {
		return sentinel.ErrConflict
	}
	if _, exists := s.bySession[cert.SessionID]; exists {
		return sentinel.ErrConflict
	}
	s.byNumber[cert.Number] = *cert
	s.bySession[cert.SessionID] = cert.Number
	return nil
}

func (s *InMemoryStore) FindByNumber(_ context.Context, number string) (*models.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.byNumber[number]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &cert, nil
}

func (s *InMemoryStore) FindBySession(ctx context.Context, sessionID string) (*models.Certificate, error) {
	s.mu.RLock()
	number, ok := s.bySession[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.FindByNumber(ctx, number)
}

func (s *InMemoryStore) NextSequence(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}
