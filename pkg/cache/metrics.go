package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	backendRedis  = "redis"
	backendMemory = "memory"
)

var (
	// CacheHits tracks store hits by backend
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movierec_cache_hits_total",
			Help: "Total number of cache store hits",
		},
		[]string{"backend"}, // "redis", "memory"
	)

	// CacheMisses tracks store misses by backend
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movierec_cache_misses_total",
			Help: "Total number of cache store misses",
		},
		[]string{"backend"},
	)

	// CacheErrors tracks store operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movierec_cache_errors_total",
			Help: "Total number of cache store operation errors",
		},
		[]string{"backend", "operation"}, // "get", "set", "delete", "delete_prefix"
	)

	// ServiceLookups tracks the outcome of cache service lookups per endpoint
	ServiceLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movierec_cache_lookups_total",
			Help: "Cache service lookups by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"}, // "hit", "miss", "bypass"
	)

	// AbsorbedErrors tracks store failures swallowed by the cache service
	AbsorbedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movierec_cache_absorbed_errors_total",
			Help: "Cache store failures absorbed on the read path",
		},
		[]string{"operation"}, // "get", "set", "decode"
	)

	// CoalescedFetches tracks callers that shared an in-flight fetch
	CoalescedFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movierec_cache_coalesced_fetches_total",
			Help: "Cache misses served by another caller's in-flight fetch",
		},
		[]string{"endpoint"},
	)
)
