package cache

import (
	"time"
)

// CacheEntry is a stored value with its lifetime.
type CacheEntry struct {
	// Value is the serialized payload.
	Value []byte

	// StoredAt is when the entry was written.
	StoredAt time.Time

	// TTL is how long the entry lives after StoredAt.
	TTL time.Duration
}

// ExpiresAt returns the instant the entry stops being readable.
func (e *CacheEntry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// IsExpired reports whether the entry is expired at now.
// An entry is readable strictly before StoredAt+TTL.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Remaining returns the time left until expiration at now.
// Returns 0 if already expired.
func (e *CacheEntry) Remaining(now time.Time) time.Duration {
	ttl := e.ExpiresAt().Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
