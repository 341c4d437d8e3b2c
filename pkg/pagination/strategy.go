package pagination

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/Sternrassler/biblio-ingest/internal/fieldpath"
)

// Kind names a pagination scheme.
type Kind string

const (
	// KindOffsetLimit paginates by start index and item count.
	KindOffsetLimit Kind = "offset_limit"

	// KindPageBased paginates by 1-based page number and page size.
	KindPageBased Kind = "page_based"

	// KindCursorBased follows an opaque token returned with each page.
	KindCursorBased Kind = "cursor_based"
)

// DefaultItemsPerPage is used when the configuration leaves the page size unset.
const DefaultItemsPerPage = 25

// Config holds the parameter names and response paths for a strategy.
// Only the fields relevant to the selected Strategy are read.
type Config struct {
	Strategy     Kind
	ItemsPerPage int

	// offset_limit
	StartParam string
	CountParam string

	// page_based
	PageParam   string
	SizeParam   string
	HasMorePath string

	// cursor_based
	CursorParam    string
	LimitParam     string
	InitialCursor  string
	NextCursorPath string

	// Response paths shared by all strategies.
	TotalResultsPath string
	ItemsPath        string
}

// Position identifies a page within an entity's result sequence.
type Position struct {
	// Page is 1-based.
	Page int

	// StartIndex is the 0-based index of the first item on Page.
	StartIndex int

	// Cursor is the token that fetches Page (cursor strategy only).
	Cursor string

	// TotalResults is the provider-declared total, when known.
	TotalResults *int
}

// Request is what a strategy contributes to the next outbound call.
type Request struct {
	Page       int
	StartIndex int
	Cursor     string
	Params     url.Values
}

// Strategy computes pagination parameters and termination.
type Strategy interface {
	// Kind returns the scheme name.
	Kind() Kind

	// PageSize returns the configured number of items per page.
	PageSize() int

	// Next returns the request following pos. When last is nil the request
	// for pos itself is returned. The boolean is false when no further page
	// should be fetched.
	Next(pos Position, last map[string]any) (Request, bool)

	// TotalResults extracts the declared total from a response body.
	TotalResults(body map[string]any) (int, bool)

	// Items extracts the result list from a response body.
	Items(body map[string]any) []any
}

// New builds the strategy named by cfg.Strategy.
func New(cfg Config) (Strategy, error) {
	if cfg.ItemsPerPage <= 0 {
		cfg.ItemsPerPage = DefaultItemsPerPage
	}

	switch cfg.Strategy {
	case KindOffsetLimit:
		if cfg.StartParam == "" {
			cfg.StartParam = "start"
		}
		if cfg.CountParam == "" {
			cfg.CountParam = "count"
		}
		return &offsetStrategy{base{cfg}}, nil
	case KindPageBased:
		if cfg.PageParam == "" {
			cfg.PageParam = "page"
		}
		if cfg.SizeParam == "" {
			cfg.SizeParam = "size"
		}
		return &pageStrategy{base{cfg}}, nil
	case KindCursorBased:
		if cfg.CursorParam == "" {
			cfg.CursorParam = "cursor"
		}
		if cfg.LimitParam == "" {
			cfg.LimitParam = "limit"
		}
		if cfg.NextCursorPath == "" {
			return nil, fmt.Errorf("cursor_based pagination requires next_cursor_path")
		}
		return &cursorStrategy{base{cfg}}, nil
	default:
		return nil, fmt.Errorf("unknown pagination strategy %q", cfg.Strategy)
	}
}

// base carries configuration and the response helpers shared by all strategies.
type base struct {
	cfg Config
}

func (b base) PageSize() int { return b.cfg.ItemsPerPage }

func (b base) TotalResults(body map[string]any) (int, bool) {
	if b.cfg.TotalResultsPath == "" {
		return 0, false
	}
	return fieldpath.LookupInt(body, b.cfg.TotalResultsPath)
}

func (b base) Items(body map[string]any) []any {
	return Items(body, b.cfg.ItemsPath)
}

// short reports whether a page carried fewer items than were requested.
func (b base) short(last map[string]any) bool {
	return len(b.Items(last)) < b.cfg.ItemsPerPage
}

// total prefers the value declared in the response over the one carried by pos.
func (b base) total(pos Position, last map[string]any) (int, bool) {
	if last != nil {
		if n, ok := b.TotalResults(last); ok {
			return n, true
		}
	}
	if pos.TotalResults != nil {
		return *pos.TotalResults, true
	}
	return 0, false
}

// Items returns the list at path. A missing path or a non-list value yields
// nil; a single object is treated as a one-element list.
func Items(body map[string]any, path string) []any {
	if path == "" {
		return nil
	}
	v, ok := fieldpath.Lookup(body, path)
	if !ok {
		return nil
	}
	switch items := v.(type) {
	case []any:
		return items
	case map[string]any:
		return []any{items}
	default:
		return nil
	}
}

func itoa(n int) string { return strconv.Itoa(n) }

func normalizePage(p int) int {
	if p < 1 {
		return 1
	}
	return p
}
