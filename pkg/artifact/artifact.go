// Package artifact stores raw page payloads as named files so that recovery
// can re-read and re-hash what a previous attempt wrote.
//
// Names are deterministic per (run, source, entity, page):
//
//	<run_id>/<source>_<entity>_page<N>.json
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// ErrNotFound is returned by Get when no artifact exists under the name.
var ErrNotFound = errors.New("artifact not found")

// Store reads and writes page artifacts.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
}

var pagePattern = regexp.MustCompile(`_page(\d+)\.json$`)

// Name returns the artifact name of a page.
func Name(runID, source, entityID string, page int) string {
	return path.Join(sanitize(runID), fmt.Sprintf("%s_%s_page%d.json", sanitize(source), sanitize(entityID), page))
}

// PageFromName extracts the page number from an artifact name.
func PageFromName(name string) (int, bool) {
	m := pagePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// sanitize keeps entity identifiers from escaping their directory.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}
