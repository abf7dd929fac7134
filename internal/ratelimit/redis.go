package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// RedisStore shares windows between gateway instances. Each key is a sorted
// set of request timestamps scored in microseconds.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	k := keyPrefix + key
	now := s.now()
	cutoff := now.Add(-window).UnixMicro()

	var (
		count  *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff, 10))
		count = p.ZCard(ctx, k)
		oldest = p.ZRangeWithScores(ctx, k, 0, 0)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("read rate window: %w", err)
	}

	resetAt := now.Add(window)
	if first := oldest.Val(); len(first) > 0 {
		resetAt = time.UnixMicro(int64(first[0].Score)).Add(window)
	}
	n := int(count.Val())
	if n >= limit {
		return Result{Allowed: false, Limit: limit, ResetAt: resetAt}, nil
	}

	member := redis.Z{Score: float64(now.UnixMicro()), Member: uuid.NewString()}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, k, member)
		p.PExpire(ctx, k, window)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("record rate hit: %w", err)
	}
	if n == 0 {
		resetAt = now.Add(window)
	}
	return Result{Allowed: true, Limit: limit, Remaining: limit - n - 1, ResetAt: resetAt}, nil
}
