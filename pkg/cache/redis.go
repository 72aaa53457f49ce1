package cache

import (
	"bufio"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultNamespace prefixes every key written by RedisStore. It must not
	// be a prefix of other key families sharing the database, or clear-all
	// would take them along.
	DefaultNamespace = "movierec:cache:"

	scanBatch = 200
)

// RedisStore is a Store backed by Redis. TTLs are enforced by Redis itself.
type RedisStore struct {
	redis     redis.UniversalClient
	namespace string

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisStore creates a new Redis backed store. Keys are written under
// namespace; an empty namespace uses DefaultNamespace.
func NewRedisStore(redisClient redis.UniversalClient, namespace string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RedisStore{
		redis:     redisClient,
		namespace: namespace,
	}
}

// Get retrieves a value by key.
// Returns ErrCacheMiss if the key doesn't exist or has expired.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.redis.Get(ctx, s.namespace+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.misses.Add(1)
			CacheMisses.WithLabelValues(backendRedis).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues(backendRedis, "get").Inc()
		return nil, &StoreError{Op: "get", Key: key, Err: err}
	}

	s.hits.Add(1)
	CacheHits.WithLabelValues(backendRedis).Inc()

	return data, nil
}

// Set stores a value. A non-positive ttl is a no-op: the entry would be
// expired on arrival.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	if err := s.redis.Set(ctx, s.namespace+key, value, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues(backendRedis, "set").Inc()
		return &StoreError{Op: "set", Key: key, Err: err}
	}

	return nil
}

// Delete removes a cache entry.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.namespace+key).Err(); err != nil {
		CacheErrors.WithLabelValues(backendRedis, "delete").Inc()
		return &StoreError{Op: "delete", Key: key, Err: err}
	}

	return nil
}

// DeletePrefix removes every key under prefix using SCAN, so it never blocks
// Redis the way KEYS would.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	pattern := escapeGlob(s.namespace+prefix) + "*"

	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			CacheErrors.WithLabelValues(backendRedis, "delete_prefix").Inc()
			return deleted, &StoreError{Op: "delete_prefix", Key: prefix, Err: err}
		}

		if len(keys) > 0 {
			n, err := s.redis.Del(ctx, keys...).Result()
			if err != nil {
				CacheErrors.WithLabelValues(backendRedis, "delete_prefix").Inc()
				return deleted, &StoreError{Op: "delete_prefix", Key: prefix, Err: err}
			}
			deleted += n
		}

		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Stats reports local hit/miss counters, the number of keys in the
// namespace and the Redis memory footprint. Memory is DB-wide and
// best-effort: servers that refuse INFO report 0.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Backend: backendRedis,
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
	}

	keys, err := s.countKeys(ctx)
	if err != nil {
		return stats, &StoreError{Op: "stats", Err: err}
	}
	stats.Keys = keys

	if info, err := s.redis.Info(ctx, "memory").Result(); err == nil {
		stats.MemoryBytes = parseUsedMemory(info)
	}

	return stats, nil
}

// countKeys counts the keys of the namespace with SCAN.
func (s *RedisStore) countKeys(ctx context.Context) (int64, error) {
	pattern := escapeGlob(s.namespace) + "*"

	var (
		cursor uint64
		count  int64
	)
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return count, err
		}
		count += int64(len(keys))

		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return &StoreError{Op: "ping", Err: err}
	}
	return nil
}

// parseUsedMemory extracts used_memory from an INFO memory reply.
func parseUsedMemory(info string) int64 {
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		value, ok := strings.CutPrefix(line, "used_memory:")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// escapeGlob escapes the characters SCAN MATCH treats as wildcards.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
