//go:build integration

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"atsflow/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	ctx   context.Context
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.ctx = context.Background()
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(s.ctx))
}

func (s *RedisStoreSuite) TestLimitAndExpiry() {
	store := NewRedisStore(s.redis.Client)
	for i := 0; i < 3; i++ {
		res, err := store.Allow(s.ctx, "rig-1", 3, time.Minute)
		s.Require().NoError(err)
		s.True(res.Allowed)
		s.Equal(2-i, res.Remaining)
	}
	res, err := store.Allow(s.ctx, "rig-1", 3, time.Minute)
	s.Require().NoError(err)
	s.False(res.Allowed)

	ttl, err := s.redis.Client.PTTL(s.ctx, keyPrefix+"rig-1").Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))
}

func (s *RedisStoreSuite) TestWindowSlides() {
	store := NewRedisStore(s.redis.Client)
	clock := time.Now()
	store.now = func() time.Time { return clock }

	_, err := store.Allow(s.ctx, "rig-2", 1, time.Minute)
	s.Require().NoError(err)
	res, err := store.Allow(s.ctx, "rig-2", 1, time.Minute)
	s.Require().NoError(err)
	s.False(res.Allowed)

	clock = clock.Add(61 * time.Second)
	res, err = store.Allow(s.ctx, "rig-2", 1, time.Minute)
	s.Require().NoError(err)
	s.True(res.Allowed)
}

func (s *RedisStoreSuite) TestSharedAcrossInstances() {
	a, b := NewRedisStore(s.redis.Client), NewRedisStore(s.redis.Client)
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		store := a
		if i%2 == 1 {
			store = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Allow(s.ctx, "rig-3", 100, time.Minute)
			s.NoError(err)
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(10), allowed.Load())

	count, err := s.redis.Client.ZCard(s.ctx, keyPrefix+"rig-3").Result()
	s.Require().NoError(err)
	s.Equal(int64(10), count)
}
