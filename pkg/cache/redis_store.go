package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix prefixes all cache keys.
const RedisKeyPrefix = "ingest:cache:"

// RedisStore handles caching operations with Redis backend.
type RedisStore struct {
	redis       *redis.Client
	namespace   string
	lockTimeout time.Duration
}

// NewRedisStore creates a new cache store with Redis backend.
func NewRedisStore(redisClient *redis.Client, namespace string, lockTimeout time.Duration) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &RedisStore{
		redis:       redisClient,
		namespace:   namespace,
		lockTimeout: lockTimeout,
	}
}

func (s *RedisStore) key(fp string) string {
	return RedisKeyPrefix + s.namespace + ":" + fp
}

func (s *RedisStore) lockKey() string {
	return RedisKeyPrefix + s.namespace + ":lock"
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, fp string) (*Entry, error) {
	data, err := s.redis.Get(ctx, s.key(fp)).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.WithLabelValues("redis").Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		_ = s.redis.Del(ctx, s.key(fp)).Err()
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		_ = s.redis.Del(ctx, s.key(fp)).Err()
		CacheMisses.WithLabelValues("redis").Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues("redis").Inc()
	return &entry, nil
}

// Put implements Store. The entry is stored with a TTL matching its Expires
// field; writers are serialized by a lease key that expires after the lock
// timeout, so a crashed writer cannot block the cache.
func (s *RedisStore) Put(ctx context.Context, fp string, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		// Already expired, don't cache
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	acquired, err := s.redis.SetNX(ctx, s.lockKey(), fp, s.lockTimeout).Result()
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis lock: %w", err)
	}
	if !acquired {
		LockContention.WithLabelValues("redis").Inc()
		return ErrLockHeld
	}
	defer s.redis.Del(context.WithoutCancel(ctx), s.lockKey())

	if err := s.redis.Set(ctx, s.key(fp), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
