// Package cache is the development-time response cache: repeated runs
// against the same queries are served locally instead of spending API quota.
//
// The cache is bypassed unless explicitly enabled. Cache hits are never
// dispatched, never paced and never counted against quotas.
//
// # Backends
//
//   - FileStore: one JSON file per fingerprint under <dir>/<namespace>/,
//     writes serialized by a lock file with stale-lock reclaim
//   - RedisStore: Redis keys with TTL, writes serialized by a lease key
//
// # Fingerprints
//
// A fingerprint is the MD5 of method, URL and sorted query parameters, so
// parameter order never produces distinct entries:
//
//	key := cache.Key{Method: "GET", URL: "/content/search/scopus", Params: params}
//	entry, err := store.Get(ctx, key.Fingerprint())
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the provider, then store.Put(ctx, fp, cache.NewEntry(...))
//	}
//
// # Metrics
//
//   - ingest_cache_hits_total{backend}
//   - ingest_cache_misses_total{backend}
//   - ingest_cache_errors_total{operation}
//   - ingest_cache_lock_contention_total{backend}
package cache
