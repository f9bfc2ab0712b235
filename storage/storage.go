package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// ErrNotInteger is returned when Increment meets a value that is not a decimal integer.
var ErrNotInteger = errors.New("value is not an integer")

// KeyValueStore is the shared state every guard component reads and writes.
// All replicas of a deployment must point at the same store for counters,
// cooldowns, blocks and indicators to hold cluster-wide.
// All methods accept context.Context for tracing and cancellation.
type KeyValueStore interface {
	// Get returns the value stored at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value without expiry.
	Set(ctx context.Context, key string, value []byte) error

	// SetWithTTL stores value expiring after ttl.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Increment atomically adds one and returns the new value.
	Increment(ctx context.Context, key string) (int64, error)

	// IncrementWithTTL atomically adds one and, if the key has no expiry yet,
	// sets it to ttl. A counter is never left without a TTL.
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Expire resets the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// ScanKeys lists keys matching a glob pattern ("*", "?", "[...]").
	// Intended for administrative and housekeeping paths, not per-request use.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// LuaIncrementWithTTL increments KEYS[1] and applies ARGV[1] milliseconds of TTL
// when the key has none, in one round trip. Shared by the Valkey and Redis backends.
const LuaIncrementWithTTL = `
local n = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`
