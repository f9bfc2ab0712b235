package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-guard/security"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestCodec_Envelope(t *testing.T) {
	c := NewCodec(nil)

	raw, err := c.Encode("k", "sample", sample{Name: "a", Count: 2})
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.JSONEq(t, `1`, string(env["v"]))
	assert.JSONEq(t, `"sample"`, string(env["kind"]))
	assert.JSONEq(t, `{"name":"a","count":2}`, string(env["data"]))

	var got sample
	require.NoError(t, c.Decode("k", "sample", raw, &got))
	assert.Equal(t, sample{Name: "a", Count: 2}, got)
}

func TestCodec_DecodeErrors(t *testing.T) {
	c := NewCodec(nil)

	tests := []struct {
		name    string
		raw     string
		kind    string
		wantErr error
	}{
		{name: "unknown version", raw: `{"v":2,"kind":"sample","data":{}}`, kind: "sample", wantErr: ErrUnsupportedVersion},
		{name: "missing version", raw: `{"kind":"sample","data":{}}`, kind: "sample", wantErr: ErrUnsupportedVersion},
		{name: "wrong kind", raw: `{"v":1,"kind":"other","data":{}}`, kind: "sample", wantErr: ErrKindMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got sample
			err := c.Decode("k", tt.kind, []byte(tt.raw), &got)
			assert.True(t, errors.Is(err, tt.wantErr), "error = %v, want %v", err, tt.wantErr)
		})
	}

	var got sample
	assert.Error(t, c.Decode("k", "sample", []byte("not json"), &got))
}

func TestCodec_Encrypted(t *testing.T) {
	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)
	c := NewCodec(enc)

	raw, err := c.Encode("csrf:token:abc", "sample", sample{Name: "secret-name"})
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte("secret-name")), "sealed record leaks plaintext")

	var got sample
	require.NoError(t, c.Decode("csrf:token:abc", "sample", raw, &got))
	assert.Equal(t, "secret-name", got.Name)

	// a record moved to another key must not decrypt
	assert.Error(t, c.Decode("csrf:token:other", "sample", raw, &got))
}
