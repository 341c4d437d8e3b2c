package cache

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Key identifies a cacheable request.
type Key struct {
	// Method is the HTTP method (defaults to GET).
	Method string

	// URL is the endpoint, without query string.
	URL string

	// Params are the query parameters.
	Params url.Values
}

// String generates a deterministic key string.
// Format: METHOD|url|k1=v1&k1=v2&k2=v
//
// Example:
//
//	GET|/content/search/scopus|count=25&query=AU-ID(1)&start=0
func (k Key) String() string {
	method := strings.ToUpper(k.Method)
	if method == "" {
		method = "GET"
	}

	keys := make([]string, 0, len(k.Params))
	for key := range k.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		values := append([]string(nil), k.Params[key]...)
		sort.Strings(values)
		for _, v := range values {
			pairs = append(pairs, key+"="+v)
		}
	}

	return method + "|" + strings.TrimRight(k.URL, "/") + "|" + strings.Join(pairs, "&")
}

// Fingerprint returns the MD5 hex digest of String.
func (k Key) Fingerprint() string {
	sum := md5.Sum([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}
