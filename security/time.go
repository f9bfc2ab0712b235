package security

import (
	"math"
	"time"
)

// DefaultClockSkewGracePeriod absorbs small clock differences between replicas
// sharing one store.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired reports whether expiresAt lies in the past at now, ignoring the
// grace period. A zero expiresAt never expires.
func IsExpired(now, expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}

// RetryAfterSeconds converts a wait into a Retry-After header value,
// rounding up and never returning less than one second.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
