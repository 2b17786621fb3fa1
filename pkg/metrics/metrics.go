// Package metrics documents the Prometheus metrics exposed by the server
// fetcher. All metrics are defined via promauto in the package that owns
// them (throttle, upstream, fetcher, persist) to keep them next to the code
// that drives them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the Prometheus registry used by the service. All metrics are
// registered automatically via promauto in their packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Reference
//
// Throttle (pkg/throttle):
//   - fetcher_throttle_waits_total (Counter): requests that waited out the minimum spacing
//   - fetcher_throttle_blocks_total (Counter): requests rejected during a cooldown
//   - fetcher_cooldown_active (Gauge): 1 while a rate-limit cooldown is active
//
// Upstream (pkg/upstream):
//   - fetcher_upstream_requests_total{status} (Counter): listing requests by outcome
//   - fetcher_upstream_request_duration_seconds (Histogram): listing request latency
//
// Engine (pkg/fetcher):
//   - fetcher_pool_size{place_id} (Gauge): pooled server count per place
//   - fetcher_pool_served_total{source} (Counter): records handed out, by cache/upstream
//   - fetcher_refill_runs_total{outcome} (Counter): background refill runs by outcome
//   - fetcher_refill_pages_total (Counter): listing pages merged by refills
//
// Persistence (pkg/persist):
//   - fetcher_persist_errors_total{operation} (Counter): snapshot load/save failures
//
// Useful queries:
//
//   # Cache-served share of all records handed out
//   rate(fetcher_pool_served_total{source="cache"}[5m]) /
//   sum(rate(fetcher_pool_served_total[5m]))
//
//   # Time spent rate limited
//   avg_over_time(fetcher_cooldown_active[1h])
//
//   # Refill failure rate
//   rate(fetcher_refill_runs_total{outcome="failed"}[15m])
