package pagination

import "net/url"

// offsetStrategy requests count items starting at (page-1)*count.
type offsetStrategy struct {
	base
}

func (s *offsetStrategy) Kind() Kind { return KindOffsetLimit }

func (s *offsetStrategy) Next(pos Position, last map[string]any) (Request, bool) {
	page := normalizePage(pos.Page)
	if last != nil {
		total, ok := s.total(pos, last)
		switch {
		case ok && page*s.cfg.ItemsPerPage >= total:
			return Request{}, false
		case !ok && s.short(last):
			// without a total only a full page promises more
			return Request{}, false
		}
		page++
	}

	start := (page - 1) * s.cfg.ItemsPerPage
	if total, ok := s.total(pos, last); ok && start >= total {
		return Request{}, false
	}

	return Request{
		Page:       page,
		StartIndex: start,
		Params: url.Values{
			s.cfg.StartParam: {itoa(start)},
			s.cfg.CountParam: {itoa(s.cfg.ItemsPerPage)},
		},
	}, true
}
