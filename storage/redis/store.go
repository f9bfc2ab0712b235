package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-guard/instrumentation"
	"github.com/giantswarm/oauth-guard/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Redis keys
	DefaultKeyPrefix = "guard:"

	scanBatchSize = 100

	defaultMaxRetries  = 3
	defaultPoolSize    = 10
	defaultPoolTimeout = 30 * time.Second
	connectTimeout     = 5 * time.Second
)

var incrementWithTTL = goredis.NewScript(storage.LuaIncrementWithTTL)

// Config configures the Redis backend.
type Config struct {
	// URL is a redis:// or rediss:// URL (required).
	URL string

	KeyPrefix   string
	MaxRetries  int
	PoolSize    int
	PoolTimeout time.Duration

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Store is a Redis-backed storage.KeyValueStore.
type Store struct {
	client   goredis.UniversalClient
	prefix   string
	logger   *slog.Logger
	observer *storage.Observer
}

var _ storage.KeyValueStore = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaultPoolTimeout
	}

	opt, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	opt.MaxRetries = cfg.MaxRetries
	opt.PoolSize = cfg.PoolSize
	opt.PoolTimeout = cfg.PoolTimeout
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := goredis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		// the URL may carry a password, log only the address
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opt.Addr, err)
	}

	s := NewFromClient(client, cfg)
	s.logger.Info("Connected to Redis storage", "address", opt.Addr, "db", opt.DB, "prefix", s.prefix)
	return s, nil
}

// NewFromClient wraps an existing client, for example one pointed at a cluster.
func NewFromClient(client goredis.UniversalClient, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:   client,
		prefix:   prefix,
		logger:   logger,
		observer: storage.NewObserver(cfg.Instrumentation, "redis"),
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Get returns the value stored at key.
func (s *Store) Get(ctx context.Context, key string) (_ []byte, err error) {
	ctx, done := s.observer.Start(ctx, "get")
	defer func() { done(err) }()

	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get error: %w", err)
	}
	return val, nil
}

// Set stores value without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.SetWithTTL(ctx, key, value, 0)
}

// SetWithTTL stores value expiring after ttl.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	ctx, done := s.observer.Start(ctx, "set")
	defer func() { done(err) }()

	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// SetNX stores value only if key is absent.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (_ bool, err error) {
	ctx, done := s.observer.Start(ctx, "set_nx")
	defer func() { done(err) }()

	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx error: %w", err)
	}
	return ok, nil
}

// Increment atomically adds one to the integer at key.
func (s *Store) Increment(ctx context.Context, key string) (_ int64, err error) {
	ctx, done := s.observer.Start(ctx, "increment")
	defer func() { done(err) }()

	n, err := s.client.Incr(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr error: %w", err)
	}
	return n, nil
}

// IncrementWithTTL atomically adds one and sets ttl if the key has none.
func (s *Store) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (_ int64, err error) {
	if ttl <= 0 {
		return s.Increment(ctx, key)
	}

	ctx, done := s.observer.Start(ctx, "increment")
	defer func() { done(err) }()

	n, err := incrementWithTTL.Run(ctx, s.client, []string{s.key(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr with ttl error: %w", err)
	}
	return n, nil
}

// Expire resets the TTL of an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (err error) {
	ctx, done := s.observer.Start(ctx, "expire")
	defer func() { done(err) }()

	ok, err := s.client.PExpire(ctx, s.key(key), ttl).Result()
	if err != nil {
		return fmt.Errorf("redis expire error: %w", err)
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) (err error) {
	if len(keys) == 0 {
		return nil
	}

	ctx, done := s.observer.Start(ctx, "delete")
	defer func() { done(err) }()

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	if err := s.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}

// ScanKeys lists keys matching pattern, with the store prefix removed.
func (s *Store) ScanKeys(ctx context.Context, pattern string) (_ []string, err error) {
	ctx, done := s.observer.Start(ctx, "scan")
	defer func() { done(err) }()

	seen := make(map[string]struct{})
	var keys []string

	iter := s.client.Scan(ctx, 0, s.key(pattern), scanBatchSize).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, strings.TrimPrefix(k, s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan error: %w", err)
	}
	return keys, nil
}
