// Package ratelimit implements inbound request rate limiting with the GCRA
// algorithm. State lives in Redis so every proxy instance shares one budget
// per client; a process-local store is available when no Redis is configured.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

// DefaultKeyPrefix namespaces limiter state in Redis.
const DefaultKeyPrefix = "movierec:ratelimit:"

// compareAndSwap replaces KEYS[1] with ARGV[2] only while it still holds ARGV[1].
var compareAndSwap = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false or tonumber(current) ~= tonumber(ARGV[1]) then
		return 0
	end
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
`)

// RedisStore implements throttled.GCRAStoreCtx on Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ throttled.GCRAStoreCtx = (*RedisStore)(nil)

// NewRedisStore creates a store using prefix for its keys.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// GetWithTime returns the stored theoretical arrival time, or -1 when the key
// does not exist.
func (s *RedisStore) GetWithTime(ctx context.Context, key string) (int64, time.Time, error) {
	now := s.now()
	val, err := s.client.Get(ctx, s.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return -1, now, nil
	}
	if err != nil {
		return 0, now, err
	}
	return val, now, nil
}

// SetIfNotExistsWithTTL sets key to value unless it already exists.
func (s *RedisStore) SetIfNotExistsWithTTL(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+key, value, minTTL(ttl)).Result()
}

// CompareAndSwapWithTTL atomically replaces old with new.
func (s *RedisStore) CompareAndSwapWithTTL(ctx context.Context, key string, old, new int64, ttl time.Duration) (bool, error) {
	res, err := compareAndSwap.Run(ctx, s.client, []string{s.prefix + key}, old, new, minTTL(ttl).Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// minTTL keeps sub-millisecond TTLs from becoming "no expiry".
func minTTL(ttl time.Duration) time.Duration {
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}

// NewMemoryStore returns a process-local store holding at most maxKeys
// clients, for single-instance deployments without Redis.
func NewMemoryStore(maxKeys int) (throttled.GCRAStoreCtx, error) {
	return memstore.NewCtx(maxKeys)
}
