package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-guard/instrumentation"
	"github.com/giantswarm/oauth-guard/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "guard:"

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "guard:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	Instrumentation *instrumentation.Instrumentation
}

// Store is a Valkey-backed storage.KeyValueStore.
type Store struct {
	client   valkeygo.Client
	prefix   string
	logger   *slog.Logger
	observer *storage.Observer
}

var _ storage.KeyValueStore = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewFromClient(client, cfg)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewFromClient wraps an existing client. Address, Password, DB and TLS in cfg are ignored.
func NewFromClient(client valkeygo.Client, cfg Config) *Store {
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
		observer: storage.NewObserver(cfg.Instrumentation, "valkey"),
	}
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Get returns the value stored at key.
func (s *Store) Get(ctx context.Context, key string) (_ []byte, err error) {
	ctx, done := s.observer.Start(ctx, "get")
	defer func() { done(err) }()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build()).AsBytes()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return data, nil
}

// Set stores value without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte) (err error) {
	ctx, done := s.observer.Start(ctx, "set")
	defer func() { done(err) }()

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.key(key)).Value(valkeygo.BinaryString(value)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// SetWithTTL stores value expiring after ttl.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	if ttl <= 0 {
		return s.Set(ctx, key, value)
	}

	ctx, done := s.observer.Start(ctx, "set")
	defer func() { done(err) }()

	cmd := s.client.B().Set().Key(s.key(key)).Value(valkeygo.BinaryString(value)).Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set key with ttl: %w", err)
	}
	return nil
}

// SetNX stores value only if key is absent.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (_ bool, err error) {
	ctx, done := s.observer.Start(ctx, "set_nx")
	defer func() { done(err) }()

	var cmd valkeygo.Completed
	if ttl > 0 {
		cmd = s.client.B().Set().Key(s.key(key)).Value(valkeygo.BinaryString(value)).Nx().Px(ttl).Build()
	} else {
		cmd = s.client.B().Set().Key(s.key(key)).Value(valkeygo.BinaryString(value)).Nx().Build()
	}

	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		if isNilError(err) {
			// SET NX replies nil when the key already exists
			return false, nil
		}
		return false, fmt.Errorf("failed to set key if absent: %w", err)
	}
	return true, nil
}

// Increment atomically adds one to the integer at key.
func (s *Store) Increment(ctx context.Context, key string) (_ int64, err error) {
	ctx, done := s.observer.Start(ctx, "increment")
	defer func() { done(err) }()

	n, err := s.client.Do(ctx, s.client.B().Incr().Key(s.key(key)).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment key: %w", err)
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

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(storage.LuaIncrementWithTTL).
			Numkeys(1).
			Key(s.key(key)).
			Arg(strconv.FormatInt(ttl.Milliseconds(), 10)).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment key with ttl: %w", err)
	}
	return n, nil
}

// Expire resets the TTL of an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (err error) {
	ctx, done := s.observer.Start(ctx, "expire")
	defer func() { done(err) }()

	ok, err := s.client.Do(ctx, s.client.B().Pexpire().Key(s.key(key)).Milliseconds(ttl.Milliseconds()).Build()).AsBool()
	if err != nil {
		return fmt.Errorf("failed to expire key: %w", err)
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
	if err := s.client.Do(ctx, s.client.B().Del().Key(prefixed...).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// ScanKeys lists keys matching pattern, with the store prefix removed.
func (s *Store) ScanKeys(ctx context.Context, pattern string) (_ []string, err error) {
	ctx, done := s.observer.Start(ctx, "scan")
	defer func() { done(err) }()

	// SCAN can return the same key more than once across iterations
	seen := make(map[string]struct{})
	var keys []string

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(s.key(pattern)).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		for _, k := range result.Elements {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
