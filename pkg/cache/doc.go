// Package cache implements the edge response cache fronting upstream
// content-provider APIs.
//
// The cache is status-aware: TTLs are resolved per status class (success,
// rate-limited, server error, client error) and clamped to configured
// bounds, so a provider outage is cached briefly while healthy responses
// live longer. Stale-while-revalidate keeps expired entries servable for a
// bounded window; the cache only signals that a refresh is due, it never
// performs the revalidation fetch itself.
//
// # Basic Usage
//
//	backend := cache.NewMemoryBackend()
//	edge, err := cache.New(backend, cache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer edge.Stop()
//
//	key := cache.Key{
//		Provider:    "getty",
//		RequestType: "search",
//		Method:      "GET",
//		URL:         "/getty/search",
//	}
//
//	err = edge.Set(ctx, key, body, 200, cache.SetOptions{ETag: `"abc"`})
//	res := edge.Get(ctx, key, cache.GetOptions{})
//	if res.Hit && res.Stale {
//		// serve stale, trigger a background revalidation
//	}
//
// # Storage Backends
//
// Storage is pluggable behind the Backend interface. NewMemoryBackend is the
// in-process reference implementation; NewRedisBackend shares entries across
// instances and bounds every call with a short timeout, degrading to a miss
// on any failure. Cache failures never fail the fronted request.
//
// # Eviction and Sweeping
//
// Capacity is bounded by Storage.MaxEntries. Inserting a new key at capacity
// evicts exactly one entry, the oldest by insertion order (FIFO), tracked in
// an explicit list rather than map iteration order. A background sweep runs
// every Storage.CleanupIntervalSeconds and reclaims entries past their stale
// window regardless of read traffic; Stop shuts it down.
//
// # Metrics
//
// The package exports Prometheus metrics:
//
//   - edge_cache_hits_total{freshness} - hits, fresh vs stale
//   - edge_cache_misses_total - misses
//   - edge_cache_evictions_total - capacity evictions
//   - edge_cache_sweep_removals_total - sweep reclaims
//   - edge_cache_entries - current entry count
//   - edge_cache_size_bytes - approximate size
//   - edge_cache_backend_errors_total{operation} - backend failures
package cache
