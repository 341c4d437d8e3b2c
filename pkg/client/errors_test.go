package client

import (
	"errors"
	"fmt"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "client error should not retry",
			err:      &ProviderError{ErrorClass: ErrorClassClient, StatusCode: 404},
			expected: false,
		},
		{
			name:     "auth error should not retry",
			err:      &ProviderError{ErrorClass: ErrorClassAuth, StatusCode: 401},
			expected: false,
		},
		{
			name:     "retryable server error should retry",
			err:      &ProviderError{ErrorClass: ErrorClassServer, StatusCode: 503, Retryable: true},
			expected: true,
		},
		{
			name:     "non-retryable server error should not retry",
			err:      &ProviderError{ErrorClass: ErrorClassServer, StatusCode: 501},
			expected: false,
		},
		{
			name:     "rate limit should retry",
			err:      &ProviderError{ErrorClass: ErrorClassRateLimit, StatusCode: 429},
			expected: true,
		},
		{
			name:     "network error should retry",
			err:      &ProviderError{ErrorClass: ErrorClassNetwork},
			expected: true,
		},
		{
			name:     "wrapped network error should retry",
			err:      fmt.Errorf("attempt: %w", &ProviderError{ErrorClass: ErrorClassNetwork}),
			expected: true,
		},
		{
			name:     "plain error should not retry",
			err:      errors.New("quota exceeded"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldRetry(tt.err); got != tt.expected {
				t.Errorf("shouldRetry(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestProviderError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ProviderError
		expected string
	}{
		{
			name: "error with wrapped error",
			err: &ProviderError{
				StatusCode: 500,
				ErrorClass: ErrorClassServer,
				Message:    "internal server error",
				Err:        errors.New("connection refused"),
			},
			expected: "provider server error (status 500): internal server error: connection refused",
		},
		{
			name: "error without wrapped error",
			err: &ProviderError{
				StatusCode: 429,
				ErrorClass: ErrorClassRateLimit,
				Message:    "too many requests",
			},
			expected: "provider rate_limit error (status 429): too many requests",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestProviderError_Unwrap(t *testing.T) {
	pe := &ProviderError{StatusCode: 403, ErrorClass: ErrorClassAuth, Err: ErrAuthentication}

	if !errors.Is(pe, ErrAuthentication) {
		t.Error("errors.Is should find ErrAuthentication")
	}
	if (&ProviderError{StatusCode: 404}).Unwrap() != nil {
		t.Error("Unwrap() of error without cause should be nil")
	}
}

func TestValidationError_Unwrap(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := fmt.Errorf("page 3: %w", &ValidationError{Check: CheckDecode, Message: "bad json", Err: cause})

	if !errors.Is(err, ErrValidation) {
		t.Error("errors.Is should find ErrValidation")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}

	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Check != CheckDecode {
		t.Errorf("errors.As() = %v, check %q", ve, ve.Check)
	}
}
