package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrFetchTimeout indicates a detached fetch ran out of time before the
	// page source answered.
	ErrFetchTimeout = errors.New("cache fetch timed out")
)

// Store is a key-value store with per-entry TTL. Implementations must be
// safe for concurrent use.
type Store interface {
	// Get returns ErrCacheMiss when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix and reports how
	// many were removed. An empty prefix clears the store.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	// Stats is best-effort and only feeds observability.
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}

// Stats is a snapshot of store counters.
type Stats struct {
	Backend     string `json:"backend"`
	Hits        int64  `json:"hit_count"`
	Misses      int64  `json:"miss_count"`
	MemoryBytes int64  `json:"memory_bytes"`
	// Keys counts the entries of this store only, not the whole backend.
	Keys int64 `json:"keys"`
}

// HitRate returns hits / (hits + misses), or 0 when nothing was read.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// StoreError wraps a failure of the backing store. Callers on the read path
// absorb it and treat the lookup as a miss.
type StoreError struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StoreError) Unwrap() error {
	return e.Err
}
