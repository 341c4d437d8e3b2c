package cache

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis returns a client backed by an in-memory miniredis server.
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewRedisStore_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisStore should panic with nil redis client")
		}
	}()
	NewRedisStore(nil, "scopus", 0)
}

func TestRedisStore_PutGet(t *testing.T) {
	client, mr := setupTestRedis(t)
	s := NewRedisStore(client, "scopus", 0)
	ctx := context.Background()

	if _, err := s.Get(ctx, "fp"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get() error = %v, want ErrCacheMiss", err)
	}

	entry := NewEntry(http.StatusOK, nil, []byte(`{"entry":[1]}`), 10*time.Minute)
	if err := s.Put(ctx, "fp", entry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(ctx, "fp")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Data) != `{"entry":[1]}` {
		t.Errorf("Get() data = %s", got.Data)
	}

	if ttl := mr.TTL(RedisKeyPrefix + "scopus:fp"); ttl <= 0 || ttl > 10*time.Minute {
		t.Errorf("redis TTL = %v, want (0, 10m]", ttl)
	}
	if mr.Exists(s.lockKey()) {
		t.Error("lease key should be released after Put")
	}

	mr.FastForward(11 * time.Minute)
	if _, err := s.Get(ctx, "fp"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after TTL error = %v, want ErrCacheMiss", err)
	}
}

func TestRedisStore_PutSkipsExpired(t *testing.T) {
	client, mr := setupTestRedis(t)
	s := NewRedisStore(client, "scopus", 0)

	entry := NewEntry(http.StatusOK, nil, []byte(`{}`), time.Hour)
	entry.Expires = time.Now().Add(-time.Second)
	if err := s.Put(context.Background(), "fp", entry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if mr.Exists(RedisKeyPrefix + "scopus:fp") {
		t.Error("expired entry should not be stored")
	}
}

func TestRedisStore_LeaseHeld(t *testing.T) {
	client, mr := setupTestRedis(t)
	s := NewRedisStore(client, "scopus", 30*time.Second)

	if err := mr.Set(s.lockKey(), "other"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	mr.SetTTL(s.lockKey(), 30*time.Second)

	err := s.Put(context.Background(), "fp", NewEntry(200, nil, []byte(`{}`), time.Hour))
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("Put() error = %v, want ErrLockHeld", err)
	}

	// A crashed holder's lease expires on its own.
	mr.FastForward(31 * time.Second)
	if err := s.Put(context.Background(), "fp", NewEntry(200, nil, []byte(`{}`), time.Hour)); err != nil {
		t.Errorf("Put() after lease expiry error = %v", err)
	}
}

func TestRedisStore_InvalidEntry(t *testing.T) {
	client, mr := setupTestRedis(t)
	s := NewRedisStore(client, "scopus", 0)

	if err := mr.Set(RedisKeyPrefix+"scopus:bad", "not json"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if _, err := s.Get(context.Background(), "bad"); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Get() error = %v, want ErrInvalidEntry", err)
	}
	if mr.Exists(RedisKeyPrefix + "scopus:bad") {
		t.Error("invalid entry should be deleted")
	}
}
