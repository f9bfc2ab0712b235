package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// fieldSeparator never appears in header values, so "a|b" and "a" + "|b" cannot collide.
const fieldSeparator = "\x1f"

// KeyedHash computes HMAC-SHA256 digests over ordered string fields.
type KeyedHash struct {
	key []byte
}

// NewKeyedHash returns a KeyedHash using key.
func NewKeyedHash(key []byte) *KeyedHash {
	k := make([]byte, len(key))
	copy(k, key)
	return &KeyedHash{key: k}
}

// Sum returns the hex HMAC of fields joined in order.
func (h *KeyedHash) Sum(fields ...string) string {
	mac := hmac.New(sha256.New, h.key)
	for i, f := range fields {
		if i > 0 {
			mac.Write([]byte(fieldSeparator))
		}
		mac.Write([]byte(f))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether expected matches the digest of fields, in constant time.
func (h *KeyedHash) Verify(expected string, fields ...string) bool {
	return ConstantTimeEqual(expected, h.Sum(fields...))
}

// ConstantTimeEqual compares two strings without leaking the position of the first difference.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashForLogging returns a short SHA256 prefix of sensitive data for logs and storage keys.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(sum[:])[:16]
}
