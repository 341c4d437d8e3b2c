package cache

import (
	"net/http"
	"time"
)

// DefaultExpiration is how long an entry stays valid when none is configured.
const DefaultExpiration = time.Hour

// Entry represents a cached provider response.
type Entry struct {
	// Data is the raw response body.
	Data []byte `json:"data"`

	// StatusCode is the HTTP status code of the cached response.
	StatusCode int `json:"status_code"`

	// Headers are the response headers.
	Headers http.Header `json:"headers"`

	// CachedAt is when the response was stored.
	CachedAt time.Time `json:"cached_at"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`
}

// NewEntry builds an entry that expires after ttl.
func NewEntry(statusCode int, headers http.Header, data []byte, ttl time.Duration) *Entry {
	if ttl <= 0 {
		ttl = DefaultExpiration
	}
	now := time.Now()
	return &Entry{
		Data:       data,
		StatusCode: statusCode,
		Headers:    headers.Clone(),
		CachedAt:   now,
		Expires:    now.Add(ttl),
	}
}

// IsExpired returns true if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
