// Package pagination turns a position in a provider's result set into the
// query parameters for the next request, and decides when a sequence is done.
//
// Three schemes are supported, selected by the configured strategy name:
//
//   - offset_limit: start index and count (Scopus "start"/"count")
//   - page_based:   page number and page size
//   - cursor_based: opaque continuation token read from the previous response
//
// Example usage:
//
//	strategy, err := pagination.New(pagination.Config{
//		Strategy:         pagination.KindOffsetLimit,
//		ItemsPerPage:     25,
//		TotalResultsPath: "search-results.opensearch:totalResults",
//		ItemsPath:        "search-results.entry",
//	})
//	req, ok := strategy.Next(pagination.Position{Page: 1}, nil)
//	// req.Params: start=0&count=25
//
// Next with a nil response yields the request for the given position itself
// (first page or resume point). Next with the decoded response of that page
// yields the following request, or false when the sequence is exhausted.
// When the provider declares no total, a page with fewer items than the
// page size ends an offset or page-based sequence. Strategies are stateless
// and safe for concurrent use.
package pagination
