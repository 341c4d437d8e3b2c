package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestFileStore(t *testing.T, dir string) *FileStore {
	t.Helper()
	s, err := NewFileStore(FileStoreConfig{Dir: dir, Namespace: "scopus"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return s
}

func TestFileStore_PutGet(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())
	ctx := context.Background()

	if _, err := s.Get(ctx, "abc"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get() on empty cache error = %v, want ErrCacheMiss", err)
	}

	entry := NewEntry(http.StatusOK, http.Header{"X-Test": {"1"}}, []byte(`{"ok":true}`), time.Hour)
	if err := s.Put(ctx, "abc", entry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Data) != `{"ok":true}` || got.StatusCode != http.StatusOK || got.Headers.Get("X-Test") != "1" {
		t.Errorf("Get() = %+v", got)
	}

	if _, err := os.Stat(filepath.Join(s.dir, lockFileName)); !os.IsNotExist(err) {
		t.Error("lock file should be released after Put")
	}
}

func TestFileStore_NamespacesAreIsolated(t *testing.T) {
	dir := t.TempDir()
	scopus := newTestFileStore(t, dir)
	wos, err := NewFileStore(FileStoreConfig{Dir: dir, Namespace: "wos"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	ctx := context.Background()

	if err := scopus.Put(ctx, "fp", NewEntry(200, nil, []byte(`{}`), time.Hour)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := wos.Get(ctx, "fp"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("other namespace Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestFileStore_ExpiredEntryEvicted(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())
	ctx := context.Background()

	entry := NewEntry(200, nil, []byte(`{}`), time.Hour)
	entry.Expires = time.Now().Add(-time.Minute)
	if err := s.Put(ctx, "old", entry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, err := s.Get(ctx, "old"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() expired error = %v, want ErrCacheMiss", err)
	}
	if _, err := os.Stat(s.entryPath("old")); !os.IsNotExist(err) {
		t.Error("expired entry file should be removed")
	}
}

func TestFileStore_CorruptedEntryEvicted(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())

	if err := os.WriteFile(s.entryPath("bad"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := s.Get(context.Background(), "bad"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() corrupted error = %v, want ErrCacheMiss", err)
	}
	if _, err := os.Stat(s.entryPath("bad")); !os.IsNotExist(err) {
		t.Error("corrupted entry file should be removed")
	}
}

func TestFileStore_PutFailsFastOnHeldLock(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())

	lock, err := AcquireFileLock(filepath.Join(s.dir, lockFileName), time.Minute)
	if err != nil {
		t.Fatalf("AcquireFileLock() error = %v", err)
	}
	defer lock.Release()

	start := time.Now()
	err = s.Put(context.Background(), "fp", NewEntry(200, nil, []byte(`{}`), time.Hour))
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("Put() error = %v, want ErrLockHeld", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Put() should not wait for a held lock")
	}
}

func TestFileStore_NilEntry(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())
	if err := s.Put(context.Background(), "fp", nil); err == nil {
		t.Error("Put(nil) should fail")
	}
}
