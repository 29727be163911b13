// Package cache is the key-value facade over a cache store. A Store driver
// (Redis in production, the in-memory driver for development and tests)
// exposes the raw typed operations; the Facade owns the connection lifecycle
// and the per-state behavior every operation follows when the backend is
// unavailable.
package cache

import (
	"context"
	"time"
)

// Store is the driver contract. Implementations must be safe for concurrent
// use and value-transparent: Get returns exactly the payload passed to Set.
// All values are opaque strings to this layer; serialization happens in the
// caller before Set and after Get.
type Store interface {
	// Ping is the liveness probe used by Connect and HealthCheck.
	Ping(ctx context.Context) error

	// Get returns (value, true, nil) on hit; ("", false, nil) on miss.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns the remaining lifetime, 0 when the key has no expiry or
	// does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Hashes.
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// Lists. LPush prepends, so index 0 is always the most recent entry.
	LPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) error
	SCard(ctx context.Context, key string) (int64, error)

	// Counters.
	Incr(ctx context.Context, key string) (int64, error)

	// IncrWithTTL atomically increments key and, when the post-increment
	// value is 1 (first hit in a window), sets its expiry to ttl. The
	// increment and the conditional expire are a single atomic step; callers
	// must never emulate this with a separate check.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetNX is create-if-absent with TTL; reports whether the write won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if its current value equals expect.
	// Reports whether a delete happened.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)

	Close(ctx context.Context) error
}
