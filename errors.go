package relaykit

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the failure taxonomy. Call sites match with errors.Is;
// the richer wrapper types below carry per-failure detail and unwrap to these.
var (
	// ErrConnection: backend unreachable or connect timed out.
	ErrConnection = errors.New("relaykit: backend connection failed")

	// ErrSerialization: payload could not be encoded or decoded.
	ErrSerialization = errors.New("relaykit: serialization failed")

	// ErrLockContention: resource already locked by another holder.
	ErrLockContention = errors.New("relaykit: lock contention")

	// ErrRateLimited: fixed-window quota exhausted.
	ErrRateLimited = errors.New("relaykit: rate limit exceeded")

	// ErrSessionNotFound: session absent or expired.
	ErrSessionNotFound = errors.New("relaykit: session not found")

	// ErrOperationSkipped: backend degraded, write intentionally no-op'd.
	ErrOperationSkipped = errors.New("relaykit: operation skipped (backend degraded)")
)

// ConnectionError reports a failed connection attempt against one backend.
type ConnectionError struct {
	Backend  string // "cache", "broker-producer", "broker-consumer"
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s failed after %d attempt(s): %v", e.Backend, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// SerializationError reports an encode/decode failure at the facade edge.
// The raw payload is never swallowed silently; the caller decides what to do.
type SerializationError struct {
	Op  string // "encode" or "decode"
	Key string // cache key or topic, whichever applies
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

// RateLimitError carries the remaining time until the current window resets.
type RateLimitError struct {
	Identifier string
	Limit      int64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit for %q exceeded (limit %d, retry in %s)",
		e.Identifier, e.Limit, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }
