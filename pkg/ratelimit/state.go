// Package ratelimit paces outbound requests per data source and enforces a
// rolling weekly request budget backed by a durable usage ledger.
//
// Two independent limits apply to every dispatch:
//
//   - pacing: at most RequestsPerSecond dispatches per second (token bucket, burst 1)
//   - budget: at most WeeklyLimit dispatches inside the trailing Window (7 days)
//
// Providers that report their own remaining quota in response headers feed
// that information back through UpdateFromHeaders; an exhausted provider
// quota blocks dispatches until its reset time passes.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Default provider quota headers (Elsevier/Scopus style).
const (
	DefaultRemainingHeader = "X-RateLimit-Remaining"
	DefaultResetHeader     = "X-RateLimit-Reset"
)

// epochThreshold separates epoch-second reset values from relative ones.
const epochThreshold = 1_000_000_000

// QuotaState is the provider-reported quota as seen in the last response.
type QuotaState struct {
	// Remaining is the number of requests the provider still allows.
	Remaining int `json:"remaining"`

	// ResetAt is when the provider quota window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was parsed from headers.
	LastUpdate time.Time `json:"last_update"`

	// Known is false until a response carried the remaining header.
	Known bool `json:"known"`
}

// IsStale returns true if the state is older than maxAge.
func (s *QuotaState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// Exhausted reports whether the provider quota blocks requests at now.
func (s *QuotaState) Exhausted(now time.Time) bool {
	if !s.Known || s.Remaining > 0 {
		return false
	}
	return now.Before(s.ResetAt)
}

// TimeUntilReset returns the duration until the quota resets, or 0.
func (s *QuotaState) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// ParseQuotaHeaders builds a QuotaState from response headers. The reset
// header may carry either epoch seconds or seconds until reset. The boolean
// is false when the remaining header is absent or malformed.
func ParseQuotaHeaders(h http.Header, remainingHeader, resetHeader string, now time.Time) (QuotaState, bool) {
	if remainingHeader == "" {
		remainingHeader = DefaultRemainingHeader
	}
	if resetHeader == "" {
		resetHeader = DefaultResetHeader
	}

	remainStr := strings.TrimSpace(h.Get(remainingHeader))
	if remainStr == "" {
		return QuotaState{}, false
	}
	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return QuotaState{}, false
	}

	state := QuotaState{
		Remaining:  remain,
		LastUpdate: now,
		Known:      true,
	}

	if resetStr := strings.TrimSpace(h.Get(resetHeader)); resetStr != "" {
		if reset, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			if reset >= epochThreshold {
				state.ResetAt = time.Unix(reset, 0)
			} else {
				state.ResetAt = now.Add(time.Duration(reset) * time.Second)
			}
		}
	}

	return state, true
}
