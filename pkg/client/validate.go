package client

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sternrassler/biblio-ingest/internal/fieldpath"
)

var validationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_validation_failures_total",
	Help: "Total payload validation failures by check",
}, []string{"check"})

// Validation check names.
const (
	CheckDecode       = "decode"
	CheckRequiredKeys = "required_keys"
	CheckCompleteness = "completeness"
	CheckRateHeader   = "rate_limit_header"
	CheckEmptyResult  = "empty_result"
)

// ValidationConfig controls structural checks on decoded payloads.
type ValidationConfig struct {
	// RequiredKeys are dotted paths that must be present.
	RequiredKeys []string

	// CheckCompleteness enables total/items consistency checks. It needs
	// TotalResultsPath and ItemsPath.
	CheckCompleteness bool
	TotalResultsPath  string
	ItemsPath         string
	PageSize          int

	// RateLimitHeader, when set, must be present on every live response.
	RateLimitHeader string
}

// Validate runs the configured checks against a decoded body. header may be
// nil for cached responses, which skips the header check.
func (v ValidationConfig) Validate(body map[string]any, header http.Header) error {
	for _, key := range v.RequiredKeys {
		if _, ok := fieldpath.Lookup(body, key); !ok {
			return validationFailed(CheckRequiredKeys, fmt.Sprintf("missing key %q", key))
		}
	}

	if v.CheckCompleteness {
		if err := v.completeness(body); err != nil {
			return err
		}
	}

	if v.RateLimitHeader != "" && header != nil && header.Get(v.RateLimitHeader) == "" {
		return validationFailed(CheckRateHeader, fmt.Sprintf("header %s missing", v.RateLimitHeader))
	}
	return nil
}

func (v ValidationConfig) completeness(body map[string]any) error {
	items := 0
	if v.ItemsPath != "" {
		if raw, ok := fieldpath.Lookup(body, v.ItemsPath); ok {
			list, isList := raw.([]any)
			if !isList {
				return validationFailed(CheckCompleteness, fmt.Sprintf("%s is not a list", v.ItemsPath))
			}
			items = len(list)
		}
	}

	if v.PageSize > 0 && items > v.PageSize {
		return validationFailed(CheckCompleteness,
			fmt.Sprintf("%d items exceed page size %d", items, v.PageSize))
	}

	if v.TotalResultsPath == "" {
		return nil
	}
	raw, ok := fieldpath.Lookup(body, v.TotalResultsPath)
	if !ok {
		return nil
	}
	total, ok := fieldpath.Int(raw)
	if !ok || total < 0 {
		return validationFailed(CheckCompleteness,
			fmt.Sprintf("total %v at %s does not parse", raw, v.TotalResultsPath))
	}
	if items > total {
		return validationFailed(CheckCompleteness,
			fmt.Sprintf("%d items exceed declared total %d", items, total))
	}
	return nil
}

func validationFailed(check, msg string) error {
	validationFailuresTotal.WithLabelValues(check).Inc()
	return &ValidationError{Check: check, Message: msg}
}
