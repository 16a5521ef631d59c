package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks envelope cache hits by layer (redis)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_cache_hits_total",
			Help: "Total number of transaction envelope cache hits",
		},
		[]string{"layer"}, // "redis"
	)

	// CacheMisses tracks envelope cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_cache_misses_total",
			Help: "Total number of transaction envelope cache misses",
		},
	)

	// CacheWrites tracks envelopes written to the cache
	CacheWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_cache_writes_total",
			Help: "Total number of transaction envelopes written to the cache",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "decode"
	)
)
