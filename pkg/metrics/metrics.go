// Package metrics provides the centralized Prometheus metrics reference for
// the provider edge. All metrics are defined in their respective packages
// (cache, incident, ratelimit, refresh) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the provider edge.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - edge_cache_hits_total{freshness} (Counter): Cache hits, fresh vs stale
//   - edge_cache_misses_total (Counter): Cache misses
//   - edge_cache_evictions_total (Counter): Capacity evictions
//   - edge_cache_sweep_removals_total (Counter): Entries reclaimed by the sweep
//   - edge_cache_entries (Gauge): Current entry count
//   - edge_cache_size_bytes (Gauge): Approximate cache size
//   - edge_cache_backend_errors_total{operation} (Counter): Backend failures
//
// Incident Metrics (pkg/incident):
//   - edge_incident_samples_total{provider} (Counter): Metric samples ingested
//   - edge_incidents_total{provider, type, severity} (Counter): Incidents opened
//   - edge_incidents_resolved_total{provider, type} (Counter): Incidents resolved
//   - edge_incidents_active (Gauge): Currently open incidents
//
// Quota Metrics (pkg/ratelimit):
//   - edge_quota_remaining{provider} (Gauge): Remaining upstream quota per provider
//   - edge_quota_blocks_total{provider} (Counter): Fetches refused on exhausted quota
//
// Refresh Metrics (pkg/refresh):
//   - edge_refresh_total{result} (Counter): Background revalidations, by
//     completed/failed/dropped
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(edge_cache_hits_total[5m])) /
//   (sum(rate(edge_cache_hits_total[5m])) + sum(rate(edge_cache_misses_total[5m])))
//
//   # Stale Serve Share
//   rate(edge_cache_hits_total{freshness="stale"}[5m]) /
//   sum(rate(edge_cache_hits_total[5m]))
//
//   # Providers Currently In Incident
//   edge_incidents_active > 0
//
//   # Incident Open Rate By Provider
//   sum by (provider) (rate(edge_incidents_total[1h]))
