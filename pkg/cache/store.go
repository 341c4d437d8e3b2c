package cache

import (
	"context"
	"errors"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrLockHeld indicates another writer holds a fresh cache lock
	ErrLockHeld = errors.New("cache lock held by another process")

	// ErrLockLost indicates the lock file was reclaimed by another writer
	// before Release
	ErrLockLost = errors.New("cache lock taken over by another process")
)

// Store is a fingerprint-addressed response cache.
type Store interface {
	// Get returns the entry for fp, or ErrCacheMiss.
	Get(ctx context.Context, fp string) (*Entry, error)

	// Put stores an entry under fp. It fails fast with ErrLockHeld when
	// another writer holds the lock.
	Put(ctx context.Context, fp string, entry *Entry) error
}
