package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store is an advisory snapshot cache. The database stays the source of
// truth: callers must re-check authorization after every hit, and every
// mutating operation invalidates (never updates in place) before it
// returns success.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	// SetNX claims key once within ttl. Used to deduplicate webhook
	// event replays.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type redisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps a Redis client as a Store.
func NewRedisStore(rdb *redis.Client) Store {
	return &redisStore{rdb: rdb}
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

func (s *redisStore) Put(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, val, ttl).Err()
}

func (s *redisStore) Invalidate(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *redisStore) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, "1", ttl).Result()
}
