package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-guard/security"
)

// RecordVersion is the envelope version written by this package.
const RecordVersion = 1

var (
	// ErrUnsupportedVersion is returned for envelopes written by an unknown schema version.
	ErrUnsupportedVersion = errors.New("unsupported record version")

	// ErrKindMismatch is returned when a record holds a different type than requested.
	ErrKindMismatch = errors.New("record kind mismatch")
)

type envelope struct {
	Version int             `json:"v"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

// Codec encodes records into the versioned envelope {"v":1,"kind":...,"data":...},
// optionally sealed with AES-256-GCM bound to the storage key.
type Codec struct {
	encryptor *security.Encryptor
}

// NewCodec returns a Codec. A nil or disabled encryptor stores plain JSON.
func NewCodec(enc *security.Encryptor) *Codec {
	return &Codec{encryptor: enc}
}

// Encode marshals v as kind for storage at key.
func (c *Codec) Encode(key, kind string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", kind, err)
	}

	raw, err := json.Marshal(envelope{Version: RecordVersion, Kind: kind, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if c == nil {
		return raw, nil
	}
	sealed, err := c.encryptor.Seal(raw, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to seal %s: %w", kind, err)
	}
	return sealed, nil
}

// Decode reverses Encode into v.
func (c *Codec) Decode(key, kind string, raw []byte, v any) error {
	if c != nil {
		opened, err := c.encryptor.Open(raw, []byte(key))
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", kind, err)
		}
		raw = opened
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Version != RecordVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	if env.Kind != kind {
		return fmt.Errorf("%w: got %q, want %q", ErrKindMismatch, env.Kind, kind)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", kind, err)
	}
	return nil
}

// GetRecord loads and decodes the record at key.
func GetRecord[T any](ctx context.Context, s KeyValueStore, c *Codec, key, kind string) (*T, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var out T
	if err := c.Decode(key, kind, raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutRecord encodes v and stores it at key. A zero ttl stores without expiry.
func PutRecord(ctx context.Context, s KeyValueStore, c *Codec, key, kind string, v any, ttl time.Duration) error {
	raw, err := c.Encode(key, kind, v)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return s.Set(ctx, key, raw)
	}
	return s.SetWithTTL(ctx, key, raw, ttl)
}
