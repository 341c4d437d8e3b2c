package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
)

// DefaultLockTimeout is the age after which a lock file is considered stale.
const DefaultLockTimeout = 30 * time.Second

// FileLock is an exclusive lock represented by the existence of a file.
// It works across processes sharing a directory. The file holds a token
// unique to the holder.
type FileLock struct {
	path  string
	token []byte
}

// AcquireFileLock creates the lock file. A lock younger than staleAfter is
// respected and ErrLockHeld returned immediately; an older one is removed
// and acquisition retried once.
func AcquireFileLock(path string, staleAfter time.Duration) (*FileLock, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultLockTimeout
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			token := []byte(fmt.Sprintf("%d %d %s\n", os.Getpid(), time.Now().Unix(), uuid.NewString()))
			_, werr := f.Write(token)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("write lock file: %w", werr)
			}
			return &FileLock{path: path, token: token}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			if errors.Is(statErr, fs.ErrNotExist) {
				// Released between our create and stat.
				continue
			}
			return nil, fmt.Errorf("stat lock file: %w", statErr)
		}
		if time.Since(info.ModTime()) <= staleAfter {
			return nil, ErrLockHeld
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return nil, ErrLockHeld
}

// Release removes the lock file if it still carries this holder's token.
// A lock reclaimed as stale by another writer is left in place and
// ErrLockLost returned.
func (l *FileLock) Release() error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if !bytes.Equal(data, l.token) {
		return ErrLockLost
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
