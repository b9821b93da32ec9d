package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store atop Redis SETEX/GET/DEL, grounded on the
// Python original's RedisManager.update_worker_status (SETEX with a
// 600s TTL under the same worker:{jobId}:{worker} key scheme).
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore from a redis:// connection URL.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("progress: parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// Set stores value under key with the given TTL via SETEX.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("progress: redis set %s: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound if absent.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("progress: redis get %s: %w", key, err)
	}
	return val, nil
}

// Delete removes key, if present.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("progress: redis del %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
