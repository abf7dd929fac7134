package service

import (
	"context"
	"time"

	"atsflow/pkg/domain"
	dErrors "atsflow/pkg/domain-errors"
)

// numSessionShards spreads sessions over a fixed set of writer locks. Two
// sessions may share a shard; one session always maps to the same shard, so
// all writers of a session are serialized.
const numSessionShards = 128

// defaultLockTimeout bounds how long a mutation waits for its session.
const defaultLockTimeout = 5 * time.Second

type sessionLocks struct {
	shards  [numSessionShards]shardLock
	timeout time.Duration
}

// shardLock is a mutex that can be acquired with a deadline.
type shardLock struct {
	ch chan struct{}
}

func newSessionLocks(timeout time.Duration) *sessionLocks {
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	l := &sessionLocks{timeout: timeout}
	for i := range l.shards {
		l.shards[i].ch = make(chan struct{}, 1)
	}
	return l
}

// withLock runs fn holding the writer lock for id.
func (l *sessionLocks) withLock(ctx context.Context, id domain.SessionID, fn func(ctx context.Context) error) error {
	// Check if context is already cancelled
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "mutation aborted: context cancelled")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	shard := &l.shards[hashSessionID(id)%numSessionShards]
	select {
	case shard.ch <- struct{}{}:
	case <-ctx.Done():
		return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "timed out waiting for session lock")
	}
	defer func() { <-shard.ch }()

	// Check again after acquiring lock
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "mutation aborted: context cancelled")
	}
	return fn(ctx)
}

// hashSessionID uses FNV-1a over the raw UUID bytes.
func hashSessionID(id domain.SessionID) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for _, b := range id {
		h ^= uint32(b)
		h *= fnvPrime
	}
	return h
}
