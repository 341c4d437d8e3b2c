package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestQuotaState_IsStale(t *testing.T) {
	tests := []struct {
		name     string
		state    *QuotaState
		maxAge   time.Duration
		expected bool
	}{
		{
			name:     "fresh state",
			state:    &QuotaState{LastUpdate: time.Now()},
			maxAge:   5 * time.Minute,
			expected: false,
		},
		{
			name:     "stale state",
			state:    &QuotaState{LastUpdate: time.Now().Add(-10 * time.Minute)},
			maxAge:   5 * time.Minute,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsStale(tt.maxAge); got != tt.expected {
				t.Errorf("IsStale() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestQuotaState_Exhausted(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		state    QuotaState
		expected bool
	}{
		{"unknown", QuotaState{}, false},
		{"remaining", QuotaState{Known: true, Remaining: 3, ResetAt: now.Add(time.Hour)}, false},
		{"zero before reset", QuotaState{Known: true, Remaining: 0, ResetAt: now.Add(time.Hour)}, true},
		{"zero after reset", QuotaState{Known: true, Remaining: 0, ResetAt: now.Add(-time.Second)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Exhausted(now); got != tt.expected {
				t.Errorf("Exhausted() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestQuotaState_TimeUntilReset(t *testing.T) {
	past := QuotaState{ResetAt: time.Now().Add(-time.Minute)}
	if d := past.TimeUntilReset(); d != 0 {
		t.Errorf("TimeUntilReset() = %v, want 0", d)
	}

	future := QuotaState{ResetAt: time.Now().Add(time.Minute)}
	if d := future.TimeUntilReset(); d <= 0 || d > time.Minute {
		t.Errorf("TimeUntilReset() = %v, want (0, 1m]", d)
	}
}

func TestParseQuotaHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name       string
		remain     string
		reset      string
		wantOK     bool
		wantRemain int
		wantReset  time.Time
	}{
		{"relative reset", "10", "60", true, 10, now.Add(60 * time.Second)},
		{"epoch reset", "0", "1700003600", true, 0, time.Unix(1_700_003_600, 0)},
		{"no reset", "7", "", true, 7, time.Time{}},
		{"missing", "", "60", false, 0, time.Time{}},
		{"malformed", "lots", "60", false, 0, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.remain != "" {
				h.Set(DefaultRemainingHeader, tt.remain)
			}
			if tt.reset != "" {
				h.Set(DefaultResetHeader, tt.reset)
			}

			state, ok := ParseQuotaHeaders(h, "", "", now)
			if ok != tt.wantOK {
				t.Fatalf("ParseQuotaHeaders() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if state.Remaining != tt.wantRemain {
				t.Errorf("Remaining = %d, want %d", state.Remaining, tt.wantRemain)
			}
			if !state.ResetAt.Equal(tt.wantReset) {
				t.Errorf("ResetAt = %v, want %v", state.ResetAt, tt.wantReset)
			}
		})
	}
}

func TestParseQuotaHeaders_CustomNames(t *testing.T) {
	h := http.Header{}
	h.Set("X-Quota-Left", "42")

	state, ok := ParseQuotaHeaders(h, "X-Quota-Left", "X-Quota-Reset", time.Now())
	if !ok || state.Remaining != 42 {
		t.Errorf("ParseQuotaHeaders() = (%+v, %v), want remaining 42", state, ok)
	}
}
