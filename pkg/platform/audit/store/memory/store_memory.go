package memory

import (
	"context"
	"sync"

	audit "atsflow/pkg/platform/audit"
)

// InMemoryStore keeps the ledger in process. Seq is global across
// correlations; chains are per correlation.
type InMemoryStore struct {
	mu       sync.RWMutex
	seq      int64
	byCorrID map[string][]audit.Record
	failWith error
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byCorrID: make(map[string][]audit.Record)}
}

// FailWith makes every subsequent Append return err. Passing nil restores
// normal behaviour. Used to exercise fail-closed callers.
func (s *InMemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *InMemoryStore) Append(_ context.Context, records ...audit.Record) ([]audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return nil, s.failWith
	}

	out := make([]audit.Record, len(records))
	copy(out, records)

	// Group by correlation so each chain links to its own tail.
	for i := range out {
		chain := s.byCorrID[out[i].CorrelationID]
		prev := ""
		if n := len(chain); n > 0 {
			prev = chain[n-1].Hash
		}
		if err := audit.Seal(prev, out[i:i+1]); err != nil {
			return nil, err
		}
		s.seq++
		out[i].Seq = s.seq
		s.byCorrID[out[i].CorrelationID] = append(chain, out[i])
	}
	return out, nil
}

func (s *InMemoryStore) ListByCorrelation(_ context.Context, correlationID string, afterSeq int64) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []audit.Record
	for _, r := range s.byCorrID[correlationID] {
		if r.Seq > afterSeq {
			out = append(out, r)
		}
	}
	return out, nil
}

// Count returns the number of records across all correlations.
func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, chain := range s.byCorrID {
		n += len(chain)
	}
	return n
}
