package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/biblio-ingest/internal/config"
	"github.com/Sternrassler/biblio-ingest/pkg/artifact"
	"github.com/Sternrassler/biblio-ingest/pkg/cache"
	"github.com/Sternrassler/biblio-ingest/pkg/ratelimit"
	"github.com/Sternrassler/biblio-ingest/pkg/state"
)

// backends are the storage collaborators selected by the config.
type backends struct {
	store     *state.Store
	ledger    ratelimit.UsageLedger
	artifacts artifact.Store
	cache     cache.Store

	redis *redis.Client
}

// openBackends opens the state database and every backend the config names.
// The response cache is opened only when withCache is set.
func openBackends(ctx context.Context, cfg *config.Config, creds config.Credentials, withCache bool, logger zerolog.Logger) (*backends, error) {
	store, err := state.Open(cfg.Storage.StateDB, logger)
	if err != nil {
		return nil, err
	}
	b := &backends{store: store}

	if needsRedis(cfg, withCache) {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: creds.RedisPassword,
			DB:       cfg.Redis.DB,
		})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	switch cfg.Storage.Ledger {
	case config.LedgerRedis:
		b.ledger = ratelimit.NewRedisLedger(b.redis, logger)
	case config.LedgerMemory:
		b.ledger = ratelimit.NewMemoryLedger()
	default:
		b.ledger = store
	}

	switch cfg.Storage.Artifacts {
	case config.ArtifactsFS:
		fs, err := artifact.NewFSStore(cfg.Storage.ArtifactDir)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.artifacts = fs
	case config.ArtifactsS3:
		s3 := cfg.Storage.S3
		ms, err := artifact.NewMinioStore(ctx, artifact.MinioConfig{
			Endpoint:  s3.Endpoint,
			AccessKey: creds.S3AccessKey,
			SecretKey: creds.S3SecretKey,
			Bucket:    s3.Bucket,
			Region:    s3.Region,
			Prefix:    s3.Prefix,
			UseSSL:    s3.UseSSL,
		})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.artifacts = ms
	}

	if withCache {
		switch cfg.Cache.Backend {
		case config.CacheRedis:
			b.cache = cache.NewRedisStore(b.redis, cfg.API.Name, cfg.Cache.LockTimeout)
		default:
			fc, err := cache.NewFileStore(cache.FileStoreConfig{
				Dir:         cfg.Cache.Dir,
				Namespace:   cfg.API.Name,
				Expiration:  cfg.Cache.Expiration,
				LockTimeout: cfg.Cache.LockTimeout,
			}, logger)
			if err != nil {
				b.Close()
				return nil, err
			}
			b.cache = fc
		}
	}

	return b, nil
}

func needsRedis(cfg *config.Config, withCache bool) bool {
	return cfg.Storage.Ledger == config.LedgerRedis || (withCache && cfg.Cache.Backend == config.CacheRedis)
}

// Close releases the state database and the Redis connection.
func (b *backends) Close() error {
	var errs []error
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	errs = append(errs, b.store.Close())
	return errors.Join(errs...)
}
