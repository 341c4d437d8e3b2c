package ratelimit

import (
	"context"
	"sync"
	"time"
)

// UsageLedger is the append-only record of dispatched requests per data source.
// Implementations must be safe for concurrent use.
type UsageLedger interface {
	// RecordRequest appends one usage record.
	RecordRequest(ctx context.Context, source string, at time.Time) error

	// CountSince returns the number of records for source at or after since.
	CountSince(ctx context.Context, source string, since time.Time) (int, error)
}

// MemoryLedger keeps usage records in process memory. It does not survive a
// restart and is meant for dry runs and tests.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string][]time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string][]time.Time)}
}

// RecordRequest implements UsageLedger.
func (l *MemoryLedger) RecordRequest(_ context.Context, source string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[source] = append(l.records[source], at)
	return nil
}

// CountSince implements UsageLedger.
func (l *MemoryLedger) CountSince(_ context.Context, source string, since time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, at := range l.records[source] {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}
