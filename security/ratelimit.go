package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults for KeyedLimiter.
const (
	DefaultLimiterMaxEntries      = 10000
	DefaultLimiterCleanupInterval = 5 * time.Minute
	DefaultLimiterIdleTimeout     = 30 * time.Minute
)

// KeyedLimiterConfig configures a KeyedLimiter.
type KeyedLimiterConfig struct {
	// Rate is the steady-state refill rate per key.
	Rate rate.Limit

	// Burst is the bucket size per key.
	Burst int

	// MaxEntries bounds the number of tracked keys; the least recently used key
	// is evicted when full. Zero means DefaultLimiterMaxEntries.
	MaxEntries int

	// IdleTimeout removes keys untouched for this long. Zero means DefaultLimiterIdleTimeout.
	IdleTimeout time.Duration

	// CleanupInterval controls the background sweep. Negative disables it.
	CleanupInterval time.Duration

	Logger *slog.Logger

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// KeyedLimiter is an in-process token bucket per key with LRU eviction.
// It backs budgets that only need to hold within one replica, such as CSRF
// token issuance per IP.
type KeyedLimiter struct {
	mu          sync.Mutex
	entries     map[string]*list.Element
	lru         *list.List
	cfg         KeyedLimiterConfig
	logger      *slog.Logger
	now         func() time.Time
	stopCleanup chan struct{}
	stopOnce    sync.Once

	evictions int64
	cleanups  int64
}

// NewKeyedLimiter creates a KeyedLimiter and starts its cleanup goroutine.
func NewKeyedLimiter(cfg KeyedLimiterConfig) *KeyedLimiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultLimiterMaxEntries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultLimiterIdleTimeout
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultLimiterCleanupInterval
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	kl := &KeyedLimiter{
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
		cfg:         cfg,
		logger:      logger,
		now:         now,
		stopCleanup: make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		go kl.cleanupLoop()
	}
	return kl
}

// Allow consumes one token for key and reports whether it was available.
func (kl *KeyedLimiter) Allow(key string) bool {
	now := kl.now()

	kl.mu.Lock()
	defer kl.mu.Unlock()

	if elem, ok := kl.entries[key]; ok {
		kl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if len(kl.entries) >= kl.cfg.MaxEntries {
		kl.evictOldest()
	}

	entry := &limiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(kl.cfg.Rate, kl.cfg.Burst),
		lastAccess: now,
	}
	kl.entries[key] = kl.lru.PushFront(entry)
	return entry.limiter.AllowN(now, 1)
}

// Reset forgets key, restoring its full burst.
func (kl *KeyedLimiter) Reset(key string) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	if elem, ok := kl.entries[key]; ok {
		kl.lru.Remove(elem)
		delete(kl.entries, key)
	}
}

// must hold kl.mu
func (kl *KeyedLimiter) evictOldest() {
	elem := kl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	kl.lru.Remove(elem)
	delete(kl.entries, entry.key)
	kl.evictions++

	kl.logger.Debug("Keyed limiter LRU eviction",
		"key_hash", HashForLogging(entry.key),
		"total_evictions", kl.evictions,
		"current_entries", len(kl.entries))
}

func (kl *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(kl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			kl.Cleanup()
		case <-kl.stopCleanup:
			return
		}
	}
}

// Cleanup drops keys idle for longer than the configured idle timeout.
func (kl *KeyedLimiter) Cleanup() int {
	now := kl.now()

	kl.mu.Lock()
	defer kl.mu.Unlock()

	removed := 0
	for elem := kl.lru.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastAccess) <= kl.cfg.IdleTimeout {
			// list is ordered by recency, everything in front is newer
			break
		}
		kl.lru.Remove(elem)
		delete(kl.entries, entry.key)
		removed++
		elem = prev
	}

	if removed > 0 {
		kl.cleanups++
		kl.logger.Debug("Keyed limiter cleanup completed",
			"removed", removed,
			"remaining", len(kl.entries))
	}
	return removed
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (kl *KeyedLimiter) Stop() {
	kl.stopOnce.Do(func() { close(kl.stopCleanup) })
}

// LimiterStats holds keyed limiter statistics for monitoring
type LimiterStats struct {
	CurrentEntries int
	MaxEntries     int
	TotalEvictions int64
	TotalCleanups  int64
}

// Stats returns current limiter statistics.
func (kl *KeyedLimiter) Stats() LimiterStats {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return LimiterStats{
		CurrentEntries: len(kl.entries),
		MaxEntries:     kl.cfg.MaxEntries,
		TotalEvictions: kl.evictions,
		TotalCleanups:  kl.cleanups,
	}
}
