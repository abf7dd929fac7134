package blob

import (
	"context"
	"slices"
	"sync"

	"atsflow/pkg/platform/sentinel"
)

// InMemoryStore keeps blobs in process memory.
type InMemoryStore struct {
	mu    sync.RWMutex
	base  string
	blobs map[string][]byte
}

func NewMemory(baseURL string) *InMemoryStore {
	return &InMemoryStore{base: normalizeBase(baseURL), blobs: make(map[string][]byte)}
}

func (s *InMemoryStore) Put(_ context.Context, data []byte, _ string) (string, error) {
	key := newKey()
	s.mu.Lock()
	s.blobs[key] = slices.Clone(data)
	s.mu.Unlock()
	return urlFor(s.base, key), nil
}

func (s *InMemoryStore) Get(_ context.Context, url string) ([]byte, error) {
	key, err := keyFor(s.base, url)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return slices.Clone(data), nil
}
