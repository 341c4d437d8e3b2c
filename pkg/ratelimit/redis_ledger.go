package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisKeyUsagePrefix prefixes the per-source sorted set of usage records.
const RedisKeyUsagePrefix = "ingest:rate_usage:"

// RedisLedger stores usage records in a Redis sorted set scored by
// millisecond timestamp, so several ingestion processes can share one budget.
type RedisLedger struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewRedisLedger creates a ledger on the given Redis client.
func NewRedisLedger(redisClient *redis.Client, logger zerolog.Logger) *RedisLedger {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisLedger{
		redis:  redisClient,
		logger: logger,
	}
}

func usageKey(source string) string {
	return RedisKeyUsagePrefix + source
}

// RecordRequest implements UsageLedger.
func (l *RedisLedger) RecordRequest(ctx context.Context, source string, at time.Time) error {
	member := strconv.FormatInt(at.UnixMilli(), 10) + ":" + uuid.NewString()
	err := l.redis.ZAdd(ctx, usageKey(source), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("record usage in redis: %w", err)
	}
	return nil
}

// CountSince implements UsageLedger.
func (l *RedisLedger) CountSince(ctx context.Context, source string, since time.Time) (int, error) {
	n, err := l.redis.ZCount(ctx, usageKey(source), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count usage in redis: %w", err)
	}

	l.logger.Debug().
		Str("data_source", source).
		Int64("usage", n).
		Time("since", since).
		Msg("Weekly usage read from redis")

	return int(n), nil
}
