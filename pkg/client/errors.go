package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrAuthentication is returned for 401/403 responses. It is fatal for the run.
	ErrAuthentication = errors.New("authentication rejected by provider")

	// ErrPermanent is returned for non-retryable provider errors.
	ErrPermanent = errors.New("permanent provider error")

	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("payload validation failed")

	// ErrEmptyResult marks a page without items where items were expected.
	ErrEmptyResult = errors.New("empty result")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than auth and 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassAuth represents 401/403 responses.
	ErrorClassAuth ErrorClass = "auth"
)

// ProviderError represents a failed request with its classification.
type ProviderError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Retryable  bool
	Err        error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("provider %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ValidationError reports a payload that failed a structural check. It is
// distinct from transport failures and never retried.
type ValidationError struct {
	Check   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation %s: %s", e.Check, e.Message)
}

// Unwrap returns ErrValidation together with the optional cause.
func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrValidation, e.Err}
	}
	return []error{ErrValidation}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.ErrorClass {
	case ErrorClassClient, ErrorClassAuth:
		// 4xx errors are never retried
		return false
	case ErrorClassRateLimit, ErrorClassNetwork:
		return true
	case ErrorClassServer:
		// only the configured 5xx set
		return pe.Retryable
	default:
		return false
	}
}
