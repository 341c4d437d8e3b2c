package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Sternrassler/biblio-ingest/pkg/client"
	"github.com/Sternrassler/biblio-ingest/pkg/ratelimit"
	"github.com/Sternrassler/biblio-ingest/pkg/state"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"cancelled", fmt.Errorf("%w: %w", client.ErrContextCancelled, context.Canceled), KindCancelled},
		{"deadline", fmt.Errorf("dispatch: %w", context.DeadlineExceeded), KindCancelled},
		{"quota", fmt.Errorf("%w: weekly limit", ratelimit.ErrQuotaExceeded), KindQuotaExceeded},
		{"auth", &client.ProviderError{StatusCode: 401, ErrorClass: client.ErrorClassAuth, Err: client.ErrAuthentication}, KindAuthentication},
		{"storage", fmt.Errorf("%w: commit page", state.ErrStorage), KindStorage},
		{"validation", &client.ValidationError{Check: client.CheckRequiredKeys, Message: "missing"}, KindValidation},
		{"empty result", client.ErrEmptyResult, KindValidation},
		{"exhausted", fmt.Errorf("%w after 3 attempts: %w", client.ErrRetryExhausted, &client.ProviderError{StatusCode: 503}), KindTransientExhausted},
		{"permanent", &client.ProviderError{StatusCode: 404, Err: client.ErrPermanent}, KindPermanent},
		{"unknown", errors.New("boom"), KindPermanent},
		{"cancel wins over storage", fmt.Errorf("%w: %w", state.ErrStorage, context.Canceled), KindCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorKind_RunFatal(t *testing.T) {
	fatal := map[ErrorKind]bool{
		KindTransientExhausted: false,
		KindPermanent:          false,
		KindValidation:         false,
		KindAuthentication:     true,
		KindQuotaExceeded:      true,
		KindStorage:            true,
		KindCancelled:          true,
	}
	for kind, want := range fatal {
		if got := kind.RunFatal(); got != want {
			t.Errorf("%s.RunFatal() = %v, want %v", kind, got, want)
		}
	}
}

func TestEntityError(t *testing.T) {
	cause := fmt.Errorf("%w: status 404", client.ErrPermanent)
	ee := newEntityError("A", 2, cause)

	if ee.Kind != KindPermanent || ee.Page != 2 || ee.EntityID != "A" {
		t.Errorf("EntityError = %+v", ee)
	}
	if !errors.Is(ee, client.ErrPermanent) {
		t.Error("EntityError should unwrap to its cause")
	}
	pe := ee.pageError()
	if pe.Kind != "permanent" || pe.Page != 2 || pe.Message != cause.Error() {
		t.Errorf("pageError() = %+v", pe)
	}
}
