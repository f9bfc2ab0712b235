package security

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, cfg KeyedLimiterConfig) (*KeyedLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg.Now = clock.Now
	cfg.CleanupInterval = -1
	kl := NewKeyedLimiter(cfg)
	t.Cleanup(kl.Stop)
	return kl, clock
}

func TestNewKeyedLimiter_Defaults(t *testing.T) {
	kl := NewKeyedLimiter(KeyedLimiterConfig{Rate: 1})
	defer kl.Stop()

	if kl.cfg.MaxEntries != DefaultLimiterMaxEntries {
		t.Errorf("MaxEntries = %d, want %d", kl.cfg.MaxEntries, DefaultLimiterMaxEntries)
	}
	if kl.cfg.Burst != 1 {
		t.Errorf("Burst = %d, want 1", kl.cfg.Burst)
	}
	if kl.logger == nil {
		t.Error("logger should not be nil")
	}
	kl.Stop()
}

func TestKeyedLimiter_Allow(t *testing.T) {
	kl, clock := newTestLimiter(t, KeyedLimiterConfig{Rate: rate.Every(time.Second), Burst: 5})

	for i := 0; i < 5; i++ {
		if !kl.Allow("10.0.0.1") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if kl.Allow("10.0.0.1") {
		t.Error("request beyond burst should be denied")
	}
	if !kl.Allow("10.0.0.2") {
		t.Error("different key should have its own bucket")
	}

	clock.Advance(time.Second)
	if !kl.Allow("10.0.0.1") {
		t.Error("bucket should refill after one interval")
	}

	kl.Reset("10.0.0.1")
	for i := 0; i < 5; i++ {
		if !kl.Allow("10.0.0.1") {
			t.Errorf("after reset request %d should be allowed", i+1)
		}
	}
}

func TestKeyedLimiter_LRUEviction(t *testing.T) {
	kl, _ := newTestLimiter(t, KeyedLimiterConfig{Rate: rate.Every(time.Hour), Burst: 1, MaxEntries: 3})

	for i := 0; i < 3; i++ {
		kl.Allow(fmt.Sprintf("key-%d", i))
	}
	// touch key-0 so key-1 becomes the oldest
	kl.Allow("key-0")
	kl.Allow("key-3")

	stats := kl.Stats()
	if stats.CurrentEntries != 3 {
		t.Errorf("CurrentEntries = %d, want 3", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}
	if !kl.Allow("key-1") {
		t.Error("evicted key should start with a fresh bucket")
	}
}

func TestKeyedLimiter_Cleanup(t *testing.T) {
	kl, clock := newTestLimiter(t, KeyedLimiterConfig{Rate: 1, Burst: 1, IdleTimeout: time.Minute})

	kl.Allow("old")
	clock.Advance(2 * time.Minute)
	kl.Allow("fresh")

	if removed := kl.Cleanup(); removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
	stats := kl.Stats()
	if stats.CurrentEntries != 1 || stats.TotalCleanups != 1 {
		t.Errorf("stats = %+v, want 1 entry and 1 cleanup", stats)
	}
}

func TestKeyedLimiter_Concurrent(t *testing.T) {
	kl, _ := newTestLimiter(t, KeyedLimiterConfig{Rate: rate.Every(time.Hour), Burst: 50})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if kl.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed = %d, want 50", allowed)
	}
}
