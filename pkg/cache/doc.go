// Package cache provides the pagination-aware cache in front of the movie
// API.
//
// It has three layers:
//
// - BuildKey maps (endpoint policy, params, page, user) to a deterministic key
// - Store abstracts a TTL key-value store (RedisStore, MemoryStore)
// - Service orchestrates lookup, upstream fetch, populate and envelope shaping
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	store := cache.NewRedisStore(redisClient, "movierec:")
//	svc, err := cache.NewService(policies, store, map[string]pagination.PageSource{
//		policy.Trending: tmdbClient,
//	}, cache.DefaultServiceConfig(), logger)
//
//	env, err := svc.Get(ctx, cache.Request{
//		Endpoint: policy.Trending,
//		Params:   map[string]string{"time_window": "day"},
//		Page:     1,
//		URL:      r.URL,
//	})
//
// # Failure Semantics
//
// Store failures never fail a read. A failed Get is a miss, a failed Set is
// logged and dropped, and an undecodable entry is deleted and refetched.
// Upstream errors are returned unchanged so the HTTP boundary can classify
// them.
//
// A miss is fetched on a context detached from the caller: if the caller
// goes away the fetch still completes and populates the cache. With
// ServiceConfig.CoalesceMisses, concurrent misses for one key share a
// single fetch.
//
// # Conditional Requests
//
//	etag := cache.ETag(body)
//	if cache.IsNotModified(r, etag) {
//		w.WriteHeader(http.StatusNotModified)
//	}
//
// # Metrics
//
//   - movierec_cache_hits_total{backend} - Store hits
//   - movierec_cache_misses_total{backend} - Store misses
//   - movierec_cache_errors_total{backend, operation} - Store errors
//   - movierec_cache_lookups_total{endpoint, outcome} - Service outcomes
//   - movierec_cache_absorbed_errors_total{operation} - Swallowed store failures
//   - movierec_cache_coalesced_fetches_total{endpoint} - Shared in-flight fetches
package cache
