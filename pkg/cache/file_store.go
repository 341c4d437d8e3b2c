package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const lockFileName = "cache.lock"

// FileStore caches responses as JSON files, one directory per namespace.
type FileStore struct {
	dir         string
	expiration  time.Duration
	lockTimeout time.Duration
	logger      zerolog.Logger
}

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	// Dir is the cache root directory.
	Dir string

	// Namespace separates data sources below Dir.
	Namespace string

	// Expiration is applied by callers via NewEntry; Get additionally drops
	// entries whose Expires has passed.
	Expiration time.Duration

	// LockTimeout is the stale-lock age (default 30s).
	LockTimeout time.Duration
}

// NewFileStore creates the namespace directory if needed.
func NewFileStore(cfg FileStoreConfig, logger zerolog.Logger) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = DefaultExpiration
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}

	dir := cfg.Dir
	if cfg.Namespace != "" {
		dir = filepath.Join(dir, cfg.Namespace)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	return &FileStore{
		dir:         dir,
		expiration:  cfg.Expiration,
		lockTimeout: cfg.LockTimeout,
		logger:      logger,
	}, nil
}

// Expiration returns the configured entry lifetime.
func (s *FileStore) Expiration() time.Duration { return s.expiration }

func (s *FileStore) entryPath(fp string) string {
	return filepath.Join(s.dir, fp+".cache")
}

// Get implements Store. Expired and corrupted entries are evicted.
func (s *FileStore) Get(ctx context.Context, fp string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.entryPath(fp)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			CacheMisses.WithLabelValues("file").Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("read cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.evict(path)
		CacheErrors.WithLabelValues("get").Inc()
		CacheMisses.WithLabelValues("file").Inc()
		s.logger.Warn().Str("fingerprint", fp).Err(err).Msg("Corrupted cache entry evicted")
		return nil, ErrCacheMiss
	}

	if entry.IsExpired() {
		s.evict(path)
		CacheMisses.WithLabelValues("file").Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues("file").Inc()
	s.logger.Debug().Str("fingerprint", fp).Dur("ttl", entry.TTL()).Msg("Cache hit")
	return &entry, nil
}

// Put implements Store.
func (s *FileStore) Put(ctx context.Context, fp string, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	lock, err := AcquireFileLock(filepath.Join(s.dir, lockFileName), s.lockTimeout)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			LockContention.WithLabelValues("file").Inc()
		}
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to release cache lock")
		}
	}()

	tmp, err := os.CreateTemp(s.dir, ".entry-*")
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("create cache temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close cache entry: %w", err)
	}
	if err := os.Rename(tmpName, s.entryPath(fp)); err != nil {
		os.Remove(tmpName)
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("rename cache entry: %w", err)
	}
	return nil
}

func (s *FileStore) evict(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		CacheErrors.WithLabelValues("evict").Inc()
	}
}
