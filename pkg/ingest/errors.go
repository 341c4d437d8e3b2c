package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/biblio-ingest/pkg/client"
	"github.com/Sternrassler/biblio-ingest/pkg/ratelimit"
	"github.com/Sternrassler/biblio-ingest/pkg/state"
)

// ErrorKind classifies ingestion failures.
type ErrorKind string

const (
	KindTransientExhausted ErrorKind = "transient_exhausted"
	KindPermanent          ErrorKind = "permanent"
	KindValidation         ErrorKind = "validation"
	KindAuthentication     ErrorKind = "authentication"
	KindQuotaExceeded      ErrorKind = "quota_exceeded"
	KindStorage            ErrorKind = "storage"
	KindCancelled          ErrorKind = "cancelled"
)

// RunFatal reports whether an error of this kind stops the whole run.
// The remaining kinds only fail the entity they occurred on.
func (k ErrorKind) RunFatal() bool {
	switch k {
	case KindQuotaExceeded, KindAuthentication, KindStorage, KindCancelled:
		return true
	}
	return false
}

// Classify maps an error to its kind. It returns "" for nil.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, client.ErrContextCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ratelimit.ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, client.ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, state.ErrStorage):
		return KindStorage
	case errors.Is(err, client.ErrValidation), errors.Is(err, client.ErrEmptyResult):
		return KindValidation
	case errors.Is(err, client.ErrRetryExhausted):
		return KindTransientExhausted
	default:
		return KindPermanent
	}
}

// EntityError is a failure attributed to one entity and page.
type EntityError struct {
	Kind      ErrorKind
	EntityID  string
	Page      int
	Message   string
	Timestamp time.Time
	Err       error
}

// Error implements the error interface.
func (e *EntityError) Error() string {
	return fmt.Sprintf("%s: entity %s page %d: %s", e.Kind, e.EntityID, e.Page, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *EntityError) Unwrap() error {
	return e.Err
}

func newEntityError(entityID string, page int, err error) *EntityError {
	return &EntityError{
		Kind:      Classify(err),
		EntityID:  entityID,
		Page:      page,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		Err:       err,
	}
}

// pageError converts to the persisted form.
func (e *EntityError) pageError() state.PageError {
	return state.PageError{
		Page:      e.Page,
		Kind:      string(e.Kind),
		Message:   e.Message,
		Timestamp: e.Timestamp,
	}
}
