package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
		RetryableStatus:   DefaultRetryableStatus,
	}
}

var serverErr = &ProviderError{StatusCode: 503, ErrorClass: ErrorClassServer, Retryable: true}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
	for _, status := range []int{429, 500, 502, 503, 504} {
		if !config.isRetryableStatus(status) {
			t.Errorf("status %d should be retryable by default", status)
		}
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	config := RetryConfig{
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := config.Backoff(tt.attempt); got != tt.expected {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestRetryWithBackoff_Success(t *testing.T) {
	callCount := 0
	err := retryWithBackoff(context.Background(), fastRetry(3), zerolog.Nop(), func(int) error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_SuccessAfterRetry(t *testing.T) {
	var attempts []int
	err := retryWithBackoff(context.Background(), fastRetry(3), zerolog.Nop(), func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return serverErr
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Errorf("attempts = %v, want [1 2 3]", attempts)
	}
}

func TestRetryWithBackoff_Exhausted(t *testing.T) {
	callCount := 0
	err := retryWithBackoff(context.Background(), fastRetry(3), zerolog.Nop(), func(int) error {
		callCount++
		return serverErr
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 503 {
		t.Errorf("last error should be preserved, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
}

func TestRetryWithBackoff_NonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"client error", &ProviderError{StatusCode: 404, ErrorClass: ErrorClassClient, Err: ErrPermanent}},
		{"auth error", &ProviderError{StatusCode: 401, ErrorClass: ErrorClassAuth, Err: ErrAuthentication}},
		{"gate error", errors.New("weekly quota exceeded")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			callCount := 0
			err := retryWithBackoff(context.Background(), fastRetry(5), zerolog.Nop(), func(int) error {
				callCount++
				return tt.err
			})
			if err != tt.err {
				t.Errorf("error = %v, want %v returned unchanged", err, tt.err)
			}
			if callCount != 1 {
				t.Errorf("Expected 1 call, got %d", callCount)
			}
		})
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	config := fastRetry(5)
	config.InitialBackoff = time.Second
	config.MaxBackoff = time.Second

	callCount := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := retryWithBackoff(ctx, config, zerolog.Nop(), func(int) error {
		callCount++
		return serverErr
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled in chain, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", callCount)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("backoff sleep should stop on cancellation")
	}
}

func TestRetryWithBackoff_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := retryWithBackoff(ctx, fastRetry(3), zerolog.Nop(), func(int) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if called {
		t.Error("fn should not run with a cancelled context")
	}
}

func TestRetryWithBackoff_BackoffGrows(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    40 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}

	var stamps []time.Time
	_ = retryWithBackoff(context.Background(), config, zerolog.Nop(), func(int) error {
		stamps = append(stamps, time.Now())
		return serverErr
	})

	if len(stamps) != 3 {
		t.Fatalf("Expected 3 attempts, got %d", len(stamps))
	}
	first := stamps[1].Sub(stamps[0])
	second := stamps[2].Sub(stamps[1])
	// 40ms ±20% then 80ms ±20%
	if first < 32*time.Millisecond {
		t.Errorf("first backoff = %v, want >= 32ms", first)
	}
	if second < 64*time.Millisecond {
		t.Errorf("second backoff = %v, want >= 64ms", second)
	}
}
