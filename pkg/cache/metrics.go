package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Hits tracks cache hits by freshness ("fresh" or "stale").
	Hits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_cache_hits_total",
			Help: "Total number of edge cache hits",
		},
		[]string{"freshness"},
	)

	// Misses tracks cache misses.
	Misses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_cache_misses_total",
			Help: "Total number of edge cache misses",
		},
	)

	// Evictions tracks capacity evictions.
	Evictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_cache_evictions_total",
			Help: "Total number of entries evicted under capacity pressure",
		},
	)

	// SweepRemovals tracks entries reclaimed by the background sweep.
	SweepRemovals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_cache_sweep_removals_total",
			Help: "Total number of expired entries removed by the background sweep",
		},
	)

	// Entries tracks the current entry count.
	Entries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_cache_entries",
			Help: "Current number of entries in the edge cache",
		},
	)

	// SizeBytes tracks the approximate cache size.
	SizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_cache_size_bytes",
			Help: "Approximate size of the edge cache in bytes",
		},
	)

	// BackendErrors tracks storage backend failures by operation.
	BackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_cache_backend_errors_total",
			Help: "Total number of storage backend errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "scan"
	)
)
