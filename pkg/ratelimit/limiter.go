package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultWindow is the rolling window for the weekly budget.
const DefaultWindow = 7 * 24 * time.Hour

// ErrQuotaExceeded is returned when a dispatch would exceed the weekly budget
// or the provider reports an exhausted quota.
var ErrQuotaExceeded = errors.New("request quota exceeded")

// Prometheus metrics for pacing and quota enforcement.
var (
	pacingWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_pacing_wait_seconds",
		Help:    "Time spent waiting for the per-second pacing limiter",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"source"})

	quotaBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_quota_blocks_total",
		Help: "Total number of requests refused by the weekly or provider quota",
	}, []string{"source", "reason"})

	weeklyUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_weekly_usage",
		Help: "Requests recorded for a data source inside the rolling window",
	}, []string{"source"})

	providerRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_provider_quota_remaining",
		Help: "Remaining requests reported by the provider",
	}, []string{"source"})
)

// Config holds limiter settings for one data source.
type Config struct {
	// Source is the data source the budget belongs to.
	Source string

	// RequestsPerSecond caps dispatch rate. Zero or negative disables pacing.
	RequestsPerSecond float64

	// WeeklyLimit caps dispatches in Window. Zero disables the budget.
	WeeklyLimit int

	// Window is the rolling budget window (default 7 days).
	Window time.Duration

	// Provider quota header names.
	RemainingHeader string
	ResetHeader     string
}

// Limiter combines per-second pacing with the rolling weekly budget.
// One Limiter is shared by all workers of a run.
type Limiter struct {
	cfg    Config
	pacer  *rate.Limiter
	ledger UsageLedger
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	quota QuotaState

	// budgetMu serialises the weekly check with the reservation it grants.
	// reserved counts admitted dispatches not yet recorded.
	budgetMu sync.Mutex
	reserved int
}

// NewLimiter creates a limiter over the given usage ledger.
func NewLimiter(cfg Config, ledger UsageLedger, logger zerolog.Logger) *Limiter {
	if ledger == nil {
		panic("usage ledger cannot be nil")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Limiter{
		cfg:    cfg,
		pacer:  rate.NewLimiter(limit, 1),
		ledger: ledger,
		logger: logger,
		now:    time.Now,
	}
}

// Wait blocks until the pacing limiter admits one dispatch.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.pacer.Wait(ctx); err != nil {
		return fmt.Errorf("pacing wait: %w", err)
	}
	pacingWaitSeconds.WithLabelValues(l.cfg.Source).Observe(time.Since(start).Seconds())
	return nil
}

// CurrentUsage returns the number of requests recorded inside the window.
func (l *Limiter) CurrentUsage(ctx context.Context) (int, error) {
	n, err := l.ledger.CountSince(ctx, l.cfg.Source, l.now().Add(-l.cfg.Window))
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	weeklyUsage.WithLabelValues(l.cfg.Source).Set(float64(n))
	return n, nil
}

// CheckWeeklyLimit reports whether n more requests fit in the weekly budget.
func (l *Limiter) CheckWeeklyLimit(ctx context.Context, n int) (bool, error) {
	if l.cfg.WeeklyLimit <= 0 {
		return true, nil
	}

	usage, err := l.CurrentUsage(ctx)
	if err != nil {
		return false, err
	}

	if usage+n > l.cfg.WeeklyLimit {
		l.logger.Warn().
			Str("data_source", l.cfg.Source).
			Int("usage", usage).
			Int("requested", n).
			Int("weekly_limit", l.cfg.WeeklyLimit).
			Msg("Weekly request budget would be exceeded")
		return false, nil
	}
	return true, nil
}

// Acquire admits one dispatch: it refuses with ErrQuotaExceeded when the
// provider quota or the weekly budget is exhausted, then waits for pacing.
// A successful Acquire reserves one request of the weekly budget until the
// matching Record, so concurrent workers cannot overrun the budget together.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.RLock()
	quota := l.quota
	l.mu.RUnlock()

	if quota.Exhausted(l.now()) {
		quotaBlocksTotal.WithLabelValues(l.cfg.Source, "provider").Inc()
		l.logger.Error().
			Str("data_source", l.cfg.Source).
			Time("reset_at", quota.ResetAt).
			Msg("Provider quota exhausted - blocking request")
		return fmt.Errorf("%w: provider reports no remaining requests until %s",
			ErrQuotaExceeded, quota.ResetAt.Format(time.RFC3339))
	}

	if err := l.Wait(ctx); err != nil {
		return err
	}
	return l.reserve(ctx)
}

// reserve claims one request of the weekly budget.
func (l *Limiter) reserve(ctx context.Context) error {
	if l.cfg.WeeklyLimit <= 0 {
		return nil
	}

	l.budgetMu.Lock()
	defer l.budgetMu.Unlock()

	ok, err := l.CheckWeeklyLimit(ctx, l.reserved+1)
	if err != nil {
		return err
	}
	if !ok {
		quotaBlocksTotal.WithLabelValues(l.cfg.Source, "weekly").Inc()
		return fmt.Errorf("%w: weekly limit %d reached", ErrQuotaExceeded, l.cfg.WeeklyLimit)
	}
	l.reserved++
	return nil
}

// Record appends a usage record for one dispatched request and releases the
// reservation taken by Acquire, if any.
func (l *Limiter) Record(ctx context.Context) error {
	l.budgetMu.Lock()
	defer l.budgetMu.Unlock()

	if l.reserved > 0 {
		l.reserved--
	}
	if err := l.ledger.RecordRequest(ctx, l.cfg.Source, l.now()); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// UpdateFromHeaders stores the provider quota reported in a response.
func (l *Limiter) UpdateFromHeaders(h http.Header) {
	state, ok := ParseQuotaHeaders(h, l.cfg.RemainingHeader, l.cfg.ResetHeader, l.now())
	if !ok {
		return
	}

	l.mu.Lock()
	l.quota = state
	l.mu.Unlock()

	providerRemaining.WithLabelValues(l.cfg.Source).Set(float64(state.Remaining))

	if state.Remaining <= 0 {
		l.logger.Warn().
			Str("data_source", l.cfg.Source).
			Time("reset_at", state.ResetAt).
			Msg("Provider quota exhausted")
	}
}

// Quota returns the last provider quota seen.
func (l *Limiter) Quota() QuotaState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.quota
}

// Source returns the data source the limiter was configured for.
func (l *Limiter) Source() string { return l.cfg.Source }

// WeeklyLimit returns the configured budget (0 = unlimited).
func (l *Limiter) WeeklyLimit() int { return l.cfg.WeeklyLimit }
