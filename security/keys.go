package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key derivation purposes. Each component gets its own subkey so that a leak
// of one binding hash never helps forge another.
const (
	PurposeCSRFBinding     = "oauth-guard/csrf-binding/v1"
	PurposeStoreEncryption = "oauth-guard/store-encryption/v1"
	PurposeFingerprint     = "oauth-guard/fingerprint/v1"
)

// ErrEmptySecret is returned when a master secret is required but missing.
var ErrEmptySecret = errors.New("master secret must not be empty")

// DeriveKey derives a 32-byte subkey for purpose from secret using HKDF-SHA256.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}
	return key, nil
}

// GenerateToken returns n random bytes encoded as unpadded base64url.
func GenerateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
