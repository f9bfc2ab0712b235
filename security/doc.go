// Package security provides the low-level building blocks shared by the guard
// components.
//
// # Client IP
//
// IPResolver honours X-Forwarded-For and X-Real-IP only when TrustProxy is set,
// and then counts TrustedProxyCount hops from the right.
//
// # Keys and hashing
//
// A single master secret is expanded with DeriveKey (HKDF-SHA256) into one
// subkey per purpose. KeyedHash turns a subkey into HMAC-SHA256 digests used
// for CSRF token binding and fingerprint hashes; Verify compares in constant time.
// Encryptor seals stored records with AES-256-GCM.
//
// # Per-key budgets
//
// KeyedLimiter is a token bucket per key (golang.org/x/time/rate) with LRU
// eviction and idle cleanup so a distributed flood cannot grow memory without bound:
//
//	limiter := security.NewKeyedLimiter(security.KeyedLimiterConfig{
//	    Rate:  rate.Every(6 * time.Second),
//	    Burst: 10,
//	})
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    return ErrIssuanceRateLimited
//	}
//
// Budgets that must hold across replicas live in the shared store instead
// (see the ratelimit package).
//
// # Audit
//
// Auditor emits "security_audit" records through slog. Session and user
// identifiers are logged as HashForLogging prefixes, never in clear.
package security
