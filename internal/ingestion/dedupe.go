package ingestion

import (
	"context"
	"sync"
	"time"
)

// DefaultDedupeTTL bounds how long a transmission is remembered.
const DefaultDedupeTTL = 24 * time.Hour

// DedupeStore remembers committed transmissions. Mark is called only after
// the reading was committed, so a failed commit can be resent.
type DedupeStore interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// MemoryDedupe is an in-process DedupeStore with per-key expiry.
type MemoryDedupe struct {
	mu   sync.Mutex
	keys map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewMemoryDedupe(ttl time.Duration) *MemoryDedupe {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &MemoryDedupe{keys: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (d *MemoryDedupe) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	expires, ok := d.keys[key]
	if !ok {
		return false, nil
	}
	if !d.now().Before(expires) {
		delete(d.keys, key)
		return false, nil
	}
	return true, nil
}

func (d *MemoryDedupe) Mark(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.keys[key] = now.Add(d.ttl)
	// Opportunistic sweep keeps long-running processes bounded.
	if len(d.keys)%1024 == 0 {
		for k, exp := range d.keys {
			if !now.Before(exp) {
				delete(d.keys, k)
			}
		}
	}
	return nil
}
