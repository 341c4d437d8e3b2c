package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var testLogger = zerolog.New(os.Stderr).Level(zerolog.Disabled)

func seedLedger(t *testing.T, l UsageLedger, source string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := l.RecordRequest(context.Background(), source, at); err != nil {
			t.Fatalf("RecordRequest() error = %v", err)
		}
	}
}

func TestLimiter_CheckWeeklyLimit(t *testing.T) {
	tests := []struct {
		name     string
		limit    int
		usage    int
		batch    int
		expected bool
	}{
		{"fits", 500, 400, 60, true},
		{"exceeds", 500, 450, 60, false},
		{"exactly at limit", 500, 440, 60, true},
		{"unlimited", 0, 10_000, 60, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := NewMemoryLedger()
			seedLedger(t, ledger, "scopus", tt.usage, time.Now().Add(-time.Hour))

			l := NewLimiter(Config{Source: "scopus", WeeklyLimit: tt.limit}, ledger, testLogger)
			ok, err := l.CheckWeeklyLimit(context.Background(), tt.batch)
			if err != nil {
				t.Fatalf("CheckWeeklyLimit() error = %v", err)
			}
			if ok != tt.expected {
				t.Errorf("CheckWeeklyLimit(%d) = %v, want %v", tt.batch, ok, tt.expected)
			}
		})
	}
}

func TestLimiter_WindowExcludesOldRecords(t *testing.T) {
	ledger := NewMemoryLedger()
	seedLedger(t, ledger, "scopus", 100, time.Now().Add(-8*24*time.Hour))
	seedLedger(t, ledger, "scopus", 5, time.Now().Add(-time.Minute))
	seedLedger(t, ledger, "wos", 50, time.Now())

	l := NewLimiter(Config{Source: "scopus", WeeklyLimit: 10}, ledger, testLogger)

	usage, err := l.CurrentUsage(context.Background())
	if err != nil {
		t.Fatalf("CurrentUsage() error = %v", err)
	}
	if usage != 5 {
		t.Errorf("CurrentUsage() = %d, want 5", usage)
	}
}

func TestLimiter_AcquireAndRecord(t *testing.T) {
	ledger := NewMemoryLedger()
	l := NewLimiter(Config{Source: "scopus", WeeklyLimit: 2}, ledger, testLogger)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("Acquire() #%d error = %v", i+1, err)
		}
		if err := l.Record(ctx); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	err := l.Acquire(ctx)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Acquire() over budget error = %v, want ErrQuotaExceeded", err)
	}
}

func TestLimiter_ConcurrentWorkersShareBudget(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		limit   int
		usage   int
	}{
		{"single slot", 4, 1, 0},
		{"partly used", 8, 5, 2},
		{"room for all", 3, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := NewMemoryLedger()
			l := NewLimiter(Config{Source: "scopus", WeeklyLimit: tt.limit}, ledger, testLogger)
			seedLedger(t, ledger, "scopus", tt.usage, l.now())
			ctx := context.Background()

			var (
				wg       sync.WaitGroup
				admitted atomic.Int32
				refused  atomic.Int32
			)
			start := make(chan struct{})
			for i := 0; i < tt.workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					if err := l.Acquire(ctx); err != nil {
						if errors.Is(err, ErrQuotaExceeded) {
							refused.Add(1)
						}
						return
					}
					admitted.Add(1)
					// the request is in flight while the others try to acquire
					time.Sleep(10 * time.Millisecond)
					if err := l.Record(ctx); err != nil {
						t.Errorf("Record() error = %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()

			want := min(tt.workers, tt.limit-tt.usage)
			if got := int(admitted.Load()); got != want {
				t.Errorf("admitted = %d, want %d", got, want)
			}
			if got := int(refused.Load()); got != tt.workers-want {
				t.Errorf("refused = %d, want %d", got, tt.workers-want)
			}
			usage, err := l.CurrentUsage(ctx)
			if err != nil {
				t.Fatalf("CurrentUsage() error = %v", err)
			}
			if usage > tt.limit {
				t.Errorf("usage = %d exceeds weekly limit %d", usage, tt.limit)
			}
		})
	}
}

func TestLimiter_Pacing(t *testing.T) {
	l := NewLimiter(Config{Source: "scopus", RequestsPerSecond: 2}, NewMemoryLedger(), testLogger)
	ctx := context.Background()

	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 490*time.Millisecond {
		t.Errorf("two dispatches at 2 req/s took %v, want >= 500ms", elapsed)
	}
}

func TestLimiter_WaitRespectsContext(t *testing.T) {
	l := NewLimiter(Config{Source: "scopus", RequestsPerSecond: 0.1}, NewMemoryLedger(), testLogger)

	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Error("Wait() should fail when the context expires before a token is available")
	}
}

func TestLimiter_ProviderQuota(t *testing.T) {
	l := NewLimiter(Config{Source: "scopus"}, NewMemoryLedger(), testLogger)
	ctx := context.Background()

	h := http.Header{}
	h.Set(DefaultRemainingHeader, "0")
	h.Set(DefaultResetHeader, "3600")
	l.UpdateFromHeaders(h)

	if q := l.Quota(); !q.Known || q.Remaining != 0 {
		t.Fatalf("Quota() = %+v, want known with 0 remaining", q)
	}
	if err := l.Acquire(ctx); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Acquire() error = %v, want ErrQuotaExceeded", err)
	}

	h.Set(DefaultRemainingHeader, "100")
	l.UpdateFromHeaders(h)
	if err := l.Acquire(ctx); err != nil {
		t.Errorf("Acquire() after quota refill error = %v", err)
	}
}

func TestLimiter_IgnoresResponsesWithoutQuotaHeaders(t *testing.T) {
	l := NewLimiter(Config{Source: "openalex"}, NewMemoryLedger(), testLogger)
	l.UpdateFromHeaders(http.Header{"Content-Type": {"application/json"}})

	if l.Quota().Known {
		t.Error("Quota should stay unknown when headers are absent")
	}
}

func TestNewLimiter_PanicsWithoutLedger(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewLimiter should panic with nil ledger")
		}
	}()
	NewLimiter(Config{}, nil, testLogger)
}
