package pagination

import (
	"net/url"

	"github.com/Sternrassler/biblio-ingest/internal/fieldpath"
)

// cursorStrategy follows the continuation token found at NextCursorPath.
type cursorStrategy struct {
	base
}

func (s *cursorStrategy) Kind() Kind { return KindCursorBased }

func (s *cursorStrategy) Next(pos Position, last map[string]any) (Request, bool) {
	page := normalizePage(pos.Page)

	if last == nil {
		cursor := pos.Cursor
		if page == 1 && cursor == "" {
			cursor = s.cfg.InitialCursor
		}
		// Past the first page a missing token means the previous response
		// ended the sequence.
		if page > 1 && cursor == "" {
			return Request{}, false
		}
		return s.request(page, cursor), true
	}

	if len(s.Items(last)) == 0 {
		return Request{}, false
	}
	next := fieldpath.LookupString(last, s.cfg.NextCursorPath)
	if next == "" || next == pos.Cursor {
		return Request{}, false
	}
	return s.request(page+1, next), true
}

func (s *cursorStrategy) request(page int, cursor string) Request {
	params := url.Values{s.cfg.LimitParam: {itoa(s.cfg.ItemsPerPage)}}
	if cursor != "" {
		params.Set(s.cfg.CursorParam, cursor)
	}
	return Request{
		Page:       page,
		StartIndex: (page - 1) * s.cfg.ItemsPerPage,
		Cursor:     cursor,
		Params:     params,
	}
}
