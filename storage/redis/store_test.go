package redis

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-guard/storage"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := NewFromClient(client, Config{KeyPrefix: "test:"})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{URL: "not a url"})
	assert.Error(t, err)
}

func TestNew_Connects(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := New(Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Set(context.Background(), "k", []byte("v")))
	assert.True(t, mr.Exists(DefaultKeyPrefix+"k"))
}

func TestStore_GetSetDelete(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	assert.True(t, mr.Exists("test:k"), "keys carry the prefix")

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_TTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetWithTTL(ctx, "short", []byte("x"), time.Minute))
	mr.FastForward(61 * time.Second)
	_, err := s.Get(ctx, "short")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Expire(ctx, "k", time.Second))
	mr.FastForward(2 * time.Second)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, s.Expire(ctx, "missing", time.Second), storage.ErrNotFound)
}

func TestStore_SetNX(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "cooldown", []byte("1"), 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "cooldown", []byte("2"), 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(31 * time.Minute)
	ok, err = s.SetNX(ctx, "cooldown", []byte("3"), 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_IncrementWithTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.IncrementWithTTL(ctx, "counter", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.Equal(t, time.Minute, mr.TTL("test:counter"))

	mr.FastForward(time.Minute)
	n, err := s.IncrementWithTTL(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Increment(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_ScanKeys(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("security:event:%d", i), []byte("e")))
	}
	require.NoError(t, s.Set(ctx, "security:alert:1", []byte("a")))
	require.NoError(t, mr.Set("other:security:event:9", "foreign"))

	keys, err := s.ScanKeys(ctx, "security:event:*")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{
		"security:event:0", "security:event:1", "security:event:2", "security:event:3", "security:event:4",
	}, keys)
}

func TestStore_Records(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	codec := storage.NewCodec(nil)

	type block struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, storage.PutRecord(ctx, s, codec, "ratelimit:block:1.2.3.4", "ip_block", block{Reason: "brute_force"}, time.Hour))
	got, err := storage.GetRecord[block](ctx, s, codec, "ratelimit:block:1.2.3.4", "ip_block")
	require.NoError(t, err)
	assert.Equal(t, "brute_force", got.Reason)
}
