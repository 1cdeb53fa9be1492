// Package idempotency remembers processed bus messages so redeliveries can
// short-circuit to a re-publish of the recorded result instead of repeating
// side effects.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "idem:"

// RedisStore is a domain.IdempotencyStore on Redis. Entries carry a TTL so
// the cache stays bounded without a sweeper.
type RedisStore struct {
	client *redis.Client
}

// New constructs a RedisStore for the given address.
func New(addr string) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewWithClient wraps an existing client, used by tests.
func NewWithClient(c *redis.Client) *RedisStore { return &RedisStore{client: c} }

// Get returns the recorded outcome for key, and whether one exists.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("op=idempotency.get key=%s: %w", key, err)
	}
	return v, true, nil
}

// Put records the outcome for key with the given TTL.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("op=idempotency.put key=%s: %w", key, err)
	}
	return nil
}

// Ping verifies connectivity, used by readiness checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=idempotency.ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }
