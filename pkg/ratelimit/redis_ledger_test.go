package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupMiniRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return client
}

func TestRedisLedger_CountSince(t *testing.T) {
	ledger := NewRedisLedger(setupMiniRedis(t), testLogger)
	ctx := context.Background()
	now := time.Now()

	records := []struct {
		source string
		at     time.Time
	}{
		{"scopus", now.Add(-8 * 24 * time.Hour)},
		{"scopus", now.Add(-2 * time.Hour)},
		{"scopus", now.Add(-time.Minute)},
		{"scopus", now.Add(-time.Minute)},
		{"wos", now},
	}
	for _, r := range records {
		if err := ledger.RecordRequest(ctx, r.source, r.at); err != nil {
			t.Fatalf("RecordRequest() error = %v", err)
		}
	}

	n, err := ledger.CountSince(ctx, "scopus", now.Add(-DefaultWindow))
	if err != nil {
		t.Fatalf("CountSince() error = %v", err)
	}
	if n != 3 {
		t.Errorf("CountSince() = %d, want 3 (identical timestamps must not collapse)", n)
	}

	n, err = ledger.CountSince(ctx, "wos", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountSince() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CountSince(wos) = %d, want 1", n)
	}
}

func TestRedisLedger_WithLimiter(t *testing.T) {
	ledger := NewRedisLedger(setupMiniRedis(t), testLogger)
	l := NewLimiter(Config{Source: "scopus", WeeklyLimit: 3}, ledger, testLogger)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Record(ctx); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	ok, err := l.CheckWeeklyLimit(ctx, 1)
	if err != nil {
		t.Fatalf("CheckWeeklyLimit() error = %v", err)
	}
	if ok {
		t.Error("CheckWeeklyLimit(1) = true with 3/3 used, want false")
	}
}

func TestNewRedisLedger_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisLedger should panic with nil redis client")
		}
	}()
	NewRedisLedger(nil, testLogger)
}
