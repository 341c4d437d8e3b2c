package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by backend
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"backend"}, // "file", "redis"
	)

	// CacheMisses tracks cache misses by backend
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"backend"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "put", "evict"
	)

	// LockContention tracks writes skipped because the lock was held
	LockContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_cache_lock_contention_total",
			Help: "Total number of cache writes refused because another writer held the lock",
		},
		[]string{"backend"},
	)
)
