package pagination

import (
	"net/url"

	"github.com/Sternrassler/biblio-ingest/internal/fieldpath"
)

// pageStrategy requests 1-based page numbers of a fixed size.
type pageStrategy struct {
	base
}

func (s *pageStrategy) Kind() Kind { return KindPageBased }

func (s *pageStrategy) Next(pos Position, last map[string]any) (Request, bool) {
	page := normalizePage(pos.Page)
	if last != nil {
		if len(s.Items(last)) == 0 {
			return Request{}, false
		}
		more, marked := s.hasMore(last)
		if marked && !more {
			return Request{}, false
		}
		if _, ok := s.total(pos, last); !marked && !ok && s.short(last) {
			return Request{}, false
		}
		page++
	}

	if total, ok := s.total(pos, last); ok && page > s.totalPages(total) {
		return Request{}, false
	}

	return Request{
		Page:       page,
		StartIndex: (page - 1) * s.cfg.ItemsPerPage,
		Params: url.Values{
			s.cfg.PageParam: {itoa(page)},
			s.cfg.SizeParam: {itoa(s.cfg.ItemsPerPage)},
		},
	}, true
}

func (s *pageStrategy) totalPages(total int) int {
	size := s.cfg.ItemsPerPage
	return (total + size - 1) / size
}

// hasMore reads the continuation marker. marked is false when no marker is
// configured or the response does not carry one.
func (s *pageStrategy) hasMore(last map[string]any) (more, marked bool) {
	if s.cfg.HasMorePath == "" {
		return false, false
	}
	v, ok := fieldpath.Lookup(last, s.cfg.HasMorePath)
	if !ok {
		return false, false
	}
	switch m := v.(type) {
	case bool:
		return m, true
	case string:
		return m != "" && m != "false" && m != "0", true
	default:
		return v != nil, true
	}
}
