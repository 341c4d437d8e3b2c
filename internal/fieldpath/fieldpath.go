// Package fieldpath resolves dotted paths inside decoded JSON documents.
//
// Provider payloads use keys that contain colons and at-signs
// ("opensearch:totalResults", "@next"), so a path is split on dots only:
//
//	search-results.opensearch:totalResults
//	search-results.cursor.@next
//
// A numeric segment indexes into an array.
package fieldpath

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Lookup returns the value at path and whether it was present.
// An empty path returns the document itself.
func Lookup(doc map[string]any, path string) (any, bool) {
	if doc == nil {
		return nil, false
	}
	if path == "" {
		return doc, true
	}

	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Int converts a decoded JSON scalar to an int.
// Providers report counts both as numbers and as numeric strings.
func Int(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int(f), true
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// String renders a decoded JSON scalar as a string. Nil and composite
// values yield "".
func String(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

// LookupInt is Lookup followed by Int.
func LookupInt(doc map[string]any, path string) (int, bool) {
	v, ok := Lookup(doc, path)
	if !ok {
		return 0, false
	}
	return Int(v)
}

// LookupString is Lookup followed by String.
func LookupString(doc map[string]any, path string) string {
	v, ok := Lookup(doc, path)
	if !ok {
		return ""
	}
	return String(v)
}
