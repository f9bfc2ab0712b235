package memory

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/oauth-guard/instrumentation"
	"github.com/giantswarm/oauth-guard/storage"
)

// DefaultCleanupInterval is how often expired keys are swept.
const DefaultCleanupInterval = time.Minute

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Config holds configuration for the memory store.
type Config struct {
	// CleanupInterval controls the background sweep. Zero uses DefaultCleanupInterval,
	// negative disables the sweep (expired keys are still hidden on read).
	CleanupInterval time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Now overrides the clock. Tests use it to move time forward.
	Now func() time.Time

	Instrumentation *instrumentation.Instrumentation
}

// Store is an in-memory implementation of storage.KeyValueStore.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry

	now         func() time.Time
	logger      *slog.Logger
	observer    *storage.Observer
	keysCount   atomic.Int64
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

var _ storage.KeyValueStore = (*Store)(nil)

// New creates a new in-memory store and starts its cleanup goroutine.
func New(cfg Config) *Store {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		entries:     make(map[string]entry),
		now:         now,
		logger:      logger,
		observer:    storage.NewObserver(cfg.Instrumentation, "memory"),
		stopCleanup: make(chan struct{}),
	}

	if cfg.Instrumentation != nil {
		if err := cfg.Instrumentation.RegisterStorageSizeCallback(s.keysCount.Load); err != nil {
			logger.Warn("Failed to register storage size callback", "error", err)
		}
	}

	if cfg.CleanupInterval > 0 {
		go s.cleanupLoop(cfg.CleanupInterval)
	}
	return s
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// must hold s.mu for reading
func (s *Store) lookup(key string, now time.Time) (entry, bool) {
	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		return entry{}, false
	}
	return e, true
}

// must hold s.mu
func (s *Store) put(key string, e entry) {
	if _, ok := s.entries[key]; !ok {
		s.keysCount.Add(1)
	}
	s.entries[key] = e
}

// must hold s.mu
func (s *Store) remove(key string) {
	if _, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.keysCount.Add(-1)
	}
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Get returns a copy of the value stored at key.
func (s *Store) Get(ctx context.Context, key string) (_ []byte, err error) {
	_, done := s.observer.Start(ctx, "get")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.lookup(key, s.now())
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores value without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.SetWithTTL(ctx, key, value, 0)
}

// SetWithTTL stores value expiring after ttl.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	_, done := s.observer.Start(ctx, "set")
	defer func() { done(err) }()

	v := make([]byte, len(value))
	copy(v, value)
	exp := s.expiry(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, entry{value: v, expiresAt: exp})
	return nil
}

// SetNX stores value only if key is absent.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (_ bool, err error) {
	_, done := s.observer.Start(ctx, "set_nx")
	defer func() { done(err) }()

	v := make([]byte, len(value))
	copy(v, value)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key, now); ok {
		return false, nil
	}
	s.put(key, entry{value: v, expiresAt: s.expiry(ttl)})
	return true, nil
}

// Increment atomically adds one to the integer at key.
func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	return s.IncrementWithTTL(ctx, key, 0)
}

// IncrementWithTTL atomically adds one and sets ttl if the key has no expiry.
func (s *Store) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (_ int64, err error) {
	_, done := s.observer.Start(ctx, "increment")
	defer func() { done(err) }()

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key, now)
	var n int64
	if ok {
		n, err = strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", storage.ErrNotInteger, key)
		}
	}
	n++

	e.value = []byte(strconv.FormatInt(n, 10))
	if e.expiresAt.IsZero() && ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.put(key, e)
	return n, nil
}

// Expire resets the TTL of an existing key. A non-positive ttl deletes it.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (err error) {
	_, done := s.observer.Start(ctx, "expire")
	defer func() { done(err) }()

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key, now)
	if !ok {
		return storage.ErrNotFound
	}
	if ttl <= 0 {
		s.remove(key)
		return nil
	}
	e.expiresAt = now.Add(ttl)
	s.entries[key] = e
	return nil
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	_, done := s.observer.Start(ctx, "delete")
	defer done(nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.remove(k)
	}
	return nil
}

// ScanKeys lists live keys matching pattern.
func (s *Store) ScanKeys(ctx context.Context, pattern string) (_ []string, err error) {
	_, done := s.observer.Start(ctx, "scan")
	defer func() { done(err) }()

	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k, e := range s.entries {
		if e.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes expired keys
func (s *Store) cleanup() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if e.expired(now) {
			s.remove(k)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired keys", "removed", removed, "remaining", len(s.entries))
	}
	return removed
}
