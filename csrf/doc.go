// Package csrf implements anti-CSRF tokens for browser-facing OAuth endpoints.
//
// Tokens are random values stored in a storage.KeyValueStore with a TTL equal
// to their lifetime. Each token is bound to the issuing session, client IP and
// user agent through an HMAC computed with a key derived from the configured
// secret; a token presented from a different context fails validation even if
// the value itself is known.
//
// A token moves through these states:
//
//	Active -> DueForRotation -> Rotated (old token Invalidated) -> Expired
//
// DueForRotation is a signal on Result; callers decide when to call Rotate.
package csrf
