package coord

import (
	"context"
	"errors"
	"time"

	"github.com/r0hmer/relaykit"
	"github.com/r0hmer/relaykit/cache"
)

const ratePrefix = "rate_limit:"

// RateLimiter is a fixed-window counter per identifier. The window is a
// rolling TTL started by the first request of each window, not a calendar
// boundary; bursts at window edges are an accepted approximation.
type RateLimiter struct {
	cache *cache.Facade
	log   relaykit.Logger
}

func NewRateLimiter(c *cache.Facade, log relaykit.Logger) *RateLimiter {
	return &RateLimiter{cache: c, log: relaykit.OrNop(log)}
}

// RateResult reports the outcome of one Allow call.
type RateResult struct {
	Allowed    bool
	Count      int64         // post-increment count in the current window
	Remaining  int64         // quota left, 0 when rejected
	RetryAfter time.Duration // time until the window resets, set when rejected
}

// Allow increments the window counter atomically (the increment and the
// first-hit expiry are one step — never a read-then-add) and compares the
// result against limit. When the cache is degraded the limiter fails open:
// the request is allowed so a cache outage cannot take request serving down
// with it.
func (r *RateLimiter) Allow(ctx context.Context, identifier string, limit int64, window time.Duration) (RateResult, error) {
	key := ratePrefix + identifier
	count, err := r.cache.IncrWindow(ctx, key, window)
	if err != nil {
		if errors.Is(err, relaykit.ErrOperationSkipped) {
			r.log.Debug("rate limit skipped, allowing", relaykit.Fields{"id": identifier})
			return RateResult{Allowed: true, Remaining: limit}, nil
		}
		return RateResult{}, err
	}

	if count > limit {
		retryAfter, terr := r.cache.TTL(ctx, key)
		if terr != nil {
			retryAfter = window
		}
		return RateResult{Allowed: false, Count: count, RetryAfter: retryAfter}, nil
	}
	return RateResult{Allowed: true, Count: count, Remaining: limit - count}, nil
}
