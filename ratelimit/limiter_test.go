package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-guard/internal/testutil"
	"github.com/giantswarm/oauth-guard/storage"
	"github.com/giantswarm/oauth-guard/storage/memory"
)

type recordedWaits struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (w *recordedWaits) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.waits = append(w.waits, d)
	w.mu.Unlock()
	return ctx.Err()
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *testutil.MockTime, *recordedWaits) {
	t.Helper()
	clock := testutil.NewMockTime(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New(memory.Config{CleanupInterval: -1, Now: clock.Now})
	t.Cleanup(store.Stop)

	waits := &recordedWaits{}
	cfg.Now = clock.Now
	cfg.Wait = waits.wait

	l, err := New(store, nil, cfg)
	require.NoError(t, err)
	return l, clock, waits
}

func request(ip string) *http.Request {
	return testutil.NewHTTPRequest(http.MethodPost, "/oauth/token").WithIP(ip).Build()
}

func TestProgressiveDelay(t *testing.T) {
	tests := []struct {
		violations int64
		want       time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{9, 256 * time.Second},
		{10, 300 * time.Second},
		{64, 300 * time.Second},
		{5000, 300 * time.Second},
	}
	for _, tt := range tests {
		got := ProgressiveDelay(tt.violations, time.Second, 2.0, 300*time.Second)
		assert.Equal(t, tt.want, got, "violations=%d", tt.violations)
	}

	assert.Equal(t, 1500*time.Millisecond, ProgressiveDelay(2, 500*time.Millisecond, 3, time.Minute))
}

func TestNew_Defaults(t *testing.T) {
	l, _, _ := newTestLimiter(t, Config{
		Budgets: map[Category]Budget{
			CategoryToken: {Requests: 3, Window: 10 * time.Second},
			CategoryLogin: {Requests: 0, Window: time.Minute},
		},
	})

	assert.Equal(t, Budget{Requests: 3, Window: 10 * time.Second}, l.Budget(CategoryToken))
	assert.Equal(t, Budget{Requests: 5, Window: 5 * time.Minute}, l.Budget(CategoryLogin), "invalid override ignored")
	assert.Equal(t, Budget{Requests: 30, Window: time.Minute}, l.Budget(CategoryAuthorization))
	assert.Equal(t, l.Budget(CategoryGlobal), l.Budget(Category("unknown")))

	_, err := New(nil, nil, Config{})
	assert.Error(t, err)
}

func TestLimiter_Check_Budget(t *testing.T) {
	for cat, budget := range DefaultBudgets() {
		t.Run(string(cat), func(t *testing.T) {
			l, clock, waits := newTestLimiter(t, Config{})

			for i := int64(1); i <= budget.Requests; i++ {
				d, err := l.Check(request(testutil.ClientIP), cat, "", "")
				require.NoError(t, err)
				require.True(t, d.Allowed, "request %d", i)
				assert.Equal(t, i, d.Count)
				assert.Equal(t, budget.Requests, d.Limit)
			}

			d, err := l.Check(request(testutil.ClientIP), cat, "", "")
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.False(t, d.Blocked)
			assert.Equal(t, int64(1), d.Violations)
			assert.Equal(t, time.Second, d.RetryAfter)
			assert.Equal(t, []time.Duration{time.Second}, waits.waits)

			// other IPs have their own budget
			d, err = l.Check(request(testutil.OtherClientIP), cat, "", "")
			require.NoError(t, err)
			assert.True(t, d.Allowed)

			clock.Advance(budget.Window + time.Second)
			d, err = l.Check(request(testutil.ClientIP), cat, "", "")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, int64(1), d.Count)
		})
	}
}

func TestLimiter_Check_ProgressiveViolations(t *testing.T) {
	l, _, waits := newTestLimiter(t, Config{
		Budgets: map[Category]Budget{CategoryConsent: {Requests: 1, Window: time.Minute}},
	})

	_, err := l.Check(request(testutil.ClientIP), CategoryConsent, "", "")
	require.NoError(t, err)

	for range 4 {
		d, err := l.Check(request(testutil.ClientIP), CategoryConsent, "", "")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, waits.waits)
}

func TestLimiter_Check_ViolationsExpire(t *testing.T) {
	l, clock, _ := newTestLimiter(t, Config{
		Budgets: map[Category]Budget{CategoryLogin: {Requests: 1, Window: time.Minute}},
	})
	ip := testutil.ClientIP

	for range 3 {
		_, err := l.Check(request(ip), CategoryLogin, "", "")
		require.NoError(t, err)
	}

	clock.Advance(DefaultViolationTTL + time.Second)
	_, err := l.Check(request(ip), CategoryLogin, "", "")
	require.NoError(t, err)
	d, err := l.Check(request(ip), CategoryLogin, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Violations)
}

func TestLimiter_Check_CanceledWait(t *testing.T) {
	l, _, _ := newTestLimiter(t, Config{
		Budgets: map[Category]Budget{CategoryToken: {Requests: 1, Window: time.Minute}},
	})
	l.cfg.Wait = sleepContext

	_, err := l.Check(request(testutil.ClientIP), CategoryToken, "", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := request(testutil.ClientIP).WithContext(ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	d, err := l.Check(r, CategoryToken, "", "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, d.Allowed)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestLimiter_BlockIP(t *testing.T) {
	l, clock, waits := newTestLimiter(t, Config{})
	ctx := context.Background()

	require.NoError(t, l.BlockIP(ctx, testutil.ClientIP, "brute_force", time.Hour))

	blocked, err := l.IsBlocked(ctx, testutil.ClientIP)
	require.NoError(t, err)
	assert.True(t, blocked)

	d, err := l.Check(request(testutil.ClientIP), CategoryAuthorization, "", "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.Blocked)
	assert.Equal(t, time.Hour, d.RetryAfter)
	assert.Zero(t, d.Count, "blocked requests are not counted")
	assert.Empty(t, waits.waits)

	clock.Advance(time.Hour)
	blocked, err = l.IsBlocked(ctx, testutil.ClientIP)
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, l.BlockIP(ctx, testutil.ClientIP, "manual", time.Minute))
	require.NoError(t, l.Unblock(ctx, testutil.ClientIP))
	d, err = l.Check(request(testutil.ClientIP), CategoryAuthorization, "", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiter_RaiseStrictness(t *testing.T) {
	l, clock, _ := newTestLimiter(t, Config{
		Budgets: map[Category]Budget{CategoryConsent: {Requests: 10, Window: time.Hour}},
	})
	ctx := context.Background()

	require.NoError(t, l.RaiseStrictness(ctx, testutil.ClientIP, 2, 30*time.Minute))
	require.NoError(t, l.RaiseStrictness(ctx, testutil.ClientIP, 1.5, 30*time.Minute), "weaker factor is ignored")

	factor, err := l.Strictness(ctx, testutil.ClientIP)
	require.NoError(t, err)
	assert.Equal(t, 2.0, factor)

	allowed := 0
	for range 10 {
		d, err := l.Check(request(testutil.ClientIP), CategoryConsent, "", "")
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)

	clock.Advance(31 * time.Minute)
	factor, err = l.Strictness(ctx, testutil.ClientIP)
	require.NoError(t, err)
	assert.Equal(t, 1.0, factor)
}

func TestLimiter_Reset(t *testing.T) {
	l, _, _ := newTestLimiter(t, Config{
		Budgets: map[Category]Budget{CategoryLogin: {Requests: 1, Window: time.Hour}},
	})
	ctx := context.Background()

	for range 2 {
		_, err := l.Check(request(testutil.ClientIP), CategoryLogin, "", "")
		require.NoError(t, err)
	}
	require.NoError(t, l.Reset(ctx, testutil.ClientIP, CategoryLogin))

	d, err := l.Check(request(testutil.ClientIP), CategoryLogin, "", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

type brokenStore struct {
	storage.KeyValueStore
}

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, storage.ErrNotFound
}

func (brokenStore) IncrementWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestLimiter_Check_StoreFault(t *testing.T) {
	l, err := New(brokenStore{}, nil, Config{})
	require.NoError(t, err)

	d, err := l.Check(request(testutil.ClientIP), CategoryToken, "", "")
	assert.Error(t, err)
	assert.False(t, d.Allowed)
}
