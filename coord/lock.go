// Package coord provides the coordination primitives — distributed lock and
// fixed-window rate limiter — built only on cache.Facade operations, so they
// work across processes without a central coordinator.
package coord

import (
	"context"
	"time"

	"github.com/r0hmer/relaykit"
	"github.com/r0hmer/relaykit/cache"
)

const lockPrefix = "lock:"

// Lock is a TTL-based distributed mutex. Acquire is a conditional
// create-if-absent write of a unique ownership token; Release is
// compare-and-delete, so a holder can never release a lock that expired and
// was reacquired by someone else.
type Lock struct {
	cache *cache.Facade
	log   relaykit.Logger
}

func NewLock(c *cache.Facade, log relaykit.Logger) *Lock {
	return &Lock{cache: c, log: relaykit.OrNop(log)}
}

// Acquire attempts to take resource for ttl. On success it returns the
// ownership token; when the resource is already locked it returns ok=false
// with no error and no retry — the caller decides what to do.
func (l *Lock) Acquire(ctx context.Context, resource string, ttl time.Duration) (token string, ok bool, err error) {
	token = relaykit.NewID()
	ok, err = l.cache.SetNX(ctx, lockPrefix+resource, token, ttl)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the lock entry only if the stored token still matches.
// A mismatched token is a no-op: the lock stays with its actual owner.
func (l *Lock) Release(ctx context.Context, resource, token string) (bool, error) {
	return l.cache.CompareAndDelete(ctx, lockPrefix+resource, token)
}

// WithLock acquires resource, runs op, and releases on every exit path,
// including panic. Failing to acquire returns ErrLockContention immediately.
func (l *Lock) WithLock(ctx context.Context, resource string, ttl time.Duration, op func(ctx context.Context) error) error {
	token, ok, err := l.Acquire(ctx, resource, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return relaykit.ErrLockContention
	}
	defer func() {
		if _, err := l.Release(ctx, resource, token); err != nil {
			l.log.Warn("lock release failed", relaykit.Fields{"resource": resource, "err": err})
		}
	}()
	return op(ctx)
}
