// Package testutil provides a configurable mock bibliometric search API for
// tests. Responses follow the Scopus search layout:
//
//	{"search-results": {
//	    "opensearch:totalResults": "60",
//	    "entry": [{"dc:identifier": "SCOPUS_ID:...", "prism:doi": "..."}],
//	    "cursor": {"@next": "..."}}}
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/biblio-ingest/pkg/pagination"
)

// SearchPath is the path the mock serves.
const SearchPath = "/content/search/scopus"

// Response paths of the mock payload.
const (
	TotalResultsPath = "search-results.opensearch:totalResults"
	ItemsPath        = "search-results.entry"
	NextCursorPath   = "search-results.cursor.@next"
	HasMorePath      = "search-results.has_more"
	ItemIDPath       = "dc:identifier"
)

var wrapped = regexp.MustCompile(`^[\w-]+\((.*)\)$`)

// MockProvider is an httptest server that paginates synthetic result sets.
type MockProvider struct {
	server *httptest.Server
	style  pagination.Kind

	mu          sync.Mutex
	totals      map[string]int
	failures    map[string][]int
	empty       map[string]bool
	requireKey  string
	delay       time.Duration
	requests    int
	perEntity   map[string]int
	lastHeaders http.Header
}

// NewMockProvider starts a mock paginating in the given style. Query
// parameter names follow the pagination package defaults.
func NewMockProvider(style pagination.Kind) *MockProvider {
	m := &MockProvider{
		style:     style,
		totals:    map[string]int{},
		failures:  map[string][]int{},
		empty:     map[string]bool{},
		perEntity: map[string]int{},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the mock server URL.
func (m *MockProvider) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockProvider) Close() {
	m.server.Close()
}

// SetEntity declares an entity with total results.
func (m *MockProvider) SetEntity(entity string, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[entity] = total
}

// SetFailure makes the next requests for entity/page answer with the given
// statuses, one per request, before succeeding again.
func (m *MockProvider) SetFailure(entity string, page int, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[pageKey(entity, page)] = append([]int(nil), statuses...)
}

// SetEmptyPage makes entity/page return no items while keeping the total.
func (m *MockProvider) SetEmptyPage(entity string, page int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.empty[pageKey(entity, page)] = true
}

// ClearEmptyPage undoes SetEmptyPage.
func (m *MockProvider) ClearEmptyPage(entity string, page int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.empty, pageKey(entity, page))
}

// RequireAPIKey makes every request without X-ELS-APIKey: key fail with 401.
func (m *MockProvider) RequireAPIKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requireKey = key
}

// SetDelay delays every response.
func (m *MockProvider) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// RequestCount returns the number of requests served.
func (m *MockProvider) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// RequestsFor returns the number of requests served for one entity.
func (m *MockProvider) RequestsFor(entity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perEntity[entity]
}

// LastHeaders returns the headers of the most recent request.
func (m *MockProvider) LastHeaders() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeaders
}

// ItemID returns the identifier of the n-th (0-based) item of entity.
func ItemID(entity string, n int) string {
	return fmt.Sprintf("SCOPUS_ID:%s-%d", entity, n)
}

func pageKey(entity string, page int) string {
	return entity + "#" + strconv.Itoa(page)
}

func (m *MockProvider) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entity := q.Get("query")
	if sub := wrapped.FindStringSubmatch(entity); sub != nil {
		entity = sub[1]
	}

	start, size, page := m.window(q)

	m.mu.Lock()
	m.requests++
	m.perEntity[entity]++
	m.lastHeaders = r.Header.Clone()
	delay := m.delay
	requireKey := m.requireKey
	total, known := m.totals[entity]
	var status int
	key := pageKey(entity, page)
	if queued := m.failures[key]; len(queued) > 0 {
		status = queued[0]
		m.failures[key] = queued[1:]
	}
	empty := m.empty[key]
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Limit", "20000")
	w.Header().Set("X-RateLimit-Remaining", "19999")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(24*time.Hour).Unix(), 10))

	switch {
	case r.URL.Path != SearchPath:
		http.Error(w, `{"error":"unknown resource"}`, http.StatusNotFound)
		return
	case requireKey != "" && r.Header.Get("X-ELS-APIKey") != requireKey:
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
		return
	case !known:
		http.Error(w, `{"error":"unknown author"}`, http.StatusBadRequest)
		return
	case status != 0:
		http.Error(w, fmt.Sprintf(`{"error":"injected %d"}`, status), status)
		return
	}

	entries := []map[string]any{}
	if !empty {
		for n := start; n < start+size && n < total; n++ {
			entries = append(entries, map[string]any{
				"dc:identifier": ItemID(entity, n),
				"prism:doi":     fmt.Sprintf("10.1000/%s.%d", entity, n),
				"dc:title":      fmt.Sprintf("Paper %d of %s", n, entity),
			})
		}
	}

	results := map[string]any{
		"opensearch:totalResults": strconv.Itoa(total),
		"opensearch:startIndex":   strconv.Itoa(start),
		"opensearch:itemsPerPage": strconv.Itoa(len(entries)),
		"entry":                   entries,
		"has_more":                start+size < total,
	}
	if m.style == pagination.KindCursorBased && start+size < total {
		results["cursor"] = map[string]any{"@next": "c" + strconv.Itoa(start+size)}
	}

	json.NewEncoder(w).Encode(map[string]any{"search-results": results})
}

// window returns the 0-based start, the page size and the 1-based page.
func (m *MockProvider) window(q map[string][]string) (int, int, int) {
	get := func(name string, def int) int {
		if v, ok := q[name]; ok && len(v) > 0 {
			if n, err := strconv.Atoi(v[0]); err == nil {
				return n
			}
		}
		return def
	}

	switch m.style {
	case pagination.KindPageBased:
		size := get("size", pagination.DefaultItemsPerPage)
		page := get("page", 1)
		return (page - 1) * size, size, page
	case pagination.KindCursorBased:
		size := get("limit", pagination.DefaultItemsPerPage)
		start := 0
		if v, ok := q["cursor"]; ok && len(v) > 0 && v[0] != "*" {
			start, _ = strconv.Atoi(strings.TrimPrefix(v[0], "c"))
		}
		return start, size, start/size + 1
	default:
		size := get("count", pagination.DefaultItemsPerPage)
		start := get("start", 0)
		return start, size, start/size + 1
	}
}
