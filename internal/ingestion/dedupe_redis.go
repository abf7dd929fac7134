package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupeKeyPrefix = "ingest:seen:"

// RedisDedupe shares dedupe state between gateway instances.
type RedisDedupe struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisDedupe(client redis.UniversalClient, ttl time.Duration) *RedisDedupe {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDedupe{client: client, ttl: ttl}
}

func (d *RedisDedupe) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, dedupeKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check dedupe key: %w", err)
	}
	return n > 0, nil
}

// Mark uses SET NX so the first writer's expiry wins.
func (d *RedisDedupe) Mark(ctx context.Context, key string) error {
	if err := d.client.SetNX(ctx, dedupeKeyPrefix+key, "1", d.ttl).Err(); err != nil {
		return fmt.Errorf("mark dedupe key: %w", err)
	}
	return nil
}
