// Package metrics exposes the Prometheus metrics of the ingestion engine.
// All metrics are defined in their respective packages (client, ratelimit,
// cache, recovery, ingest) and registered via promauto on the default
// registry; this package serves them and documents what exists.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package registers its collectors with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer Handler reads from.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - ingest_requests_total{source, status} (Counter): Dispatched requests by data source and HTTP status
//   - ingest_request_duration_seconds{source} (Histogram): Request duration by data source
//   - ingest_errors_total{class} (Counter): Failed attempts by class (client, server, rate_limit, network, auth)
//   - ingest_validation_failures_total{check} (Counter): Payload validation failures by check
//
// Retry Metrics (pkg/client):
//   - ingest_retries_total{error_class} (Counter): Retry attempts by error class
//   - ingest_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - ingest_retry_exhausted_total{error_class} (Counter): Requests that exhausted max attempts
//
// Rate Limit Metrics (pkg/ratelimit):
//   - ingest_pacing_wait_seconds{source} (Histogram): Time spent waiting for the pacing limiter
//   - ingest_quota_blocks_total{source, reason} (Counter): Dispatches refused by the weekly or provider quota
//   - ingest_weekly_usage{source} (Gauge): Requests recorded inside the rolling window
//   - ingest_provider_quota_remaining{source} (Gauge): Remaining requests reported by the provider
//
// Cache Metrics (pkg/cache):
//   - ingest_cache_hits_total{backend} (Counter): Cache hits by backend (file, redis)
//   - ingest_cache_misses_total{backend} (Counter): Cache misses by backend
//   - ingest_cache_errors_total{operation} (Counter): Cache operation errors
//   - ingest_cache_lock_contention_total{backend} (Counter): Writes skipped because the lock was held
//
// Recovery Metrics (pkg/recovery):
//   - ingest_recovery_rollbacks_total{source, reason} (Counter): Resume points moved back (missing, mismatch, gap, failed_page, cursor_unavailable)
//
// Run Metrics (pkg/ingest):
//   - ingest_pages_committed_total{source, origin} (Counter): Committed pages by origin (provider, cache)
//   - ingest_entities_total{source, outcome} (Counter): Entities by outcome (completed, failed, skipped, aborted)
//   - ingest_run_duration_seconds{source, status} (Histogram): Run duration by final status
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(ingest_cache_hits_total[5m])) /
//   (sum(rate(ingest_cache_hits_total[5m])) + sum(rate(ingest_cache_misses_total[5m])))
//
//   # Weekly budget consumption
//   ingest_weekly_usage{source="scopus"}
//
//   # Permanent page failures
//   rate(ingest_entities_total{outcome="failed"}[1h])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(ingest_request_duration_seconds_bucket[5m]))
