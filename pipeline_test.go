package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-guard/csrf"
	"github.com/giantswarm/oauth-guard/fingerprint"
	"github.com/giantswarm/oauth-guard/geo"
	"github.com/giantswarm/oauth-guard/internal/testutil"
	"github.com/giantswarm/oauth-guard/ratelimit"
	"github.com/giantswarm/oauth-guard/security"
	"github.com/giantswarm/oauth-guard/storage"
	"github.com/giantswarm/oauth-guard/storage/memory"
	"github.com/giantswarm/oauth-guard/threat"
	"github.com/giantswarm/oauth-guard/validate"
)

var testSecret = []byte("pipeline-test-secret-0123456789abcdef")

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*threat.SecurityAlert
}

func (n *recordingNotifier) Notify(_ context.Context, a *threat.SecurityAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) has(t threat.AlertType) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, a := range n.alerts {
		if a.Type == t {
			return true
		}
	}
	return false
}

type fixture struct {
	pipeline *Pipeline
	store    storage.KeyValueStore
	clock    *testutil.MockTime
	csrf     *csrf.Guard
	sessions *fingerprint.Guard
	limiter  *ratelimit.Limiter
	monitor  *threat.Monitor
	notifier *recordingNotifier
	handler  http.Handler

	// seenToken is the CSRF token the downstream handler last saw.
	seenToken string
}

type fixtureOption func(*fixtureSetup)

type fixtureSetup struct {
	store     storage.KeyValueStore
	wait      func(context.Context, time.Duration) error
	validator InputValidator
}

func withStore(s storage.KeyValueStore) fixtureOption {
	return func(fs *fixtureSetup) { fs.store = s }
}

func withWait(w func(context.Context, time.Duration) error) fixtureOption {
	return func(fs *fixtureSetup) { fs.wait = w }
}

func withValidator(v InputValidator) fixtureOption {
	return func(fs *fixtureSetup) { fs.validator = v }
}

func noWait(context.Context, time.Duration) error { return nil }

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	clock := testutil.NewMockTime(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	mem := memory.New(memory.Config{CleanupInterval: -1, Now: clock.Now})
	t.Cleanup(mem.Stop)

	setup := fixtureSetup{store: mem, wait: noWait}
	for _, o := range opts {
		o(&setup)
	}

	csrfGuard, err := csrf.New(mem, csrf.Config{Secret: testSecret, Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(csrfGuard.Close)

	sessions, err := fingerprint.New(mem, fingerprint.Config{
		Secret:  testSecret,
		Locator: geo.NewHeaderLocator(),
		Now:     clock.Now,
	})
	require.NoError(t, err)

	limiter, err := ratelimit.New(setup.store, nil, ratelimit.Config{
		Budgets: map[ratelimit.Category]ratelimit.Budget{
			ratelimit.CategoryLogin: {Requests: 3, Window: time.Minute},
		},
		Now:  clock.Now,
		Wait: setup.wait,
	})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	monitor, err := threat.New(mem, threat.Config{
		Containment: limiter,
		Notifier:    notifier,
		Now:         clock.Now,
	})
	require.NoError(t, err)

	p, err := New(Config{SessionCookie: SessionCookieConfig{Insecure: true}}, Components{
		Store:          mem,
		CSRF:           csrfGuard,
		Fingerprint:    sessions,
		RateLimiter:    limiter,
		Monitor:        monitor,
		InputValidator: setup.validator,
	})
	require.NoError(t, err)

	f := &fixture{
		pipeline: p,
		store:    mem,
		clock:    clock,
		csrf:     csrfGuard,
		sessions: sessions,
		limiter:  limiter,
		monitor:  monitor,
		notifier: notifier,
	}
	f.handler = p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.seenToken = CSRFTokenFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	return f
}

// session is the cookie jar of one browser.
type session struct {
	id    string
	token string
}

func (s session) apply(req *testutil.HTTPRequest) *testutil.HTTPRequest {
	if s.id != "" {
		req = req.WithCookie(security.DefaultSessionCookie, s.id)
	}
	if s.token != "" {
		req = req.WithCookie(csrf.DefaultCookieName, s.token)
	}
	return req
}

// open loads a protected page and returns the resulting browser session.
func (f *fixture) open(t *testing.T, path string) session {
	t.Helper()
	rr := testutil.NewBrowserRequest(http.MethodGet, path).Do(f.handler)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	s := session{
		id:    testutil.CookieValue(rr, security.DefaultSessionCookie),
		token: testutil.CookieValue(rr, csrf.DefaultCookieName),
	}
	require.NotEmpty(t, s.id)
	require.NotEmpty(t, s.token)
	return s
}

func (f *fixture) events(t *testing.T) int64 {
	t.Helper()
	stats, err := f.monitor.Stats(context.Background())
	require.NoError(t, err)
	return stats.Events
}

func errorKind(t *testing.T, rr *httptest.ResponseRecorder) ErrorKind {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return ErrorKind(body["error"])
}

func TestNew_MissingComponents(t *testing.T) {
	mem := memory.New(memory.Config{CleanupInterval: -1})
	defer mem.Stop()

	csrfGuard, err := csrf.New(mem, csrf.Config{Secret: testSecret})
	require.NoError(t, err)
	defer csrfGuard.Close()
	sessions, err := fingerprint.New(mem, fingerprint.Config{Secret: testSecret})
	require.NoError(t, err)

	tests := []struct {
		name string
		c    Components
		ok   bool
	}{
		{"no csrf", Components{Store: mem, Fingerprint: sessions}, false},
		{"no fingerprint", Components{Store: mem, CSRF: csrfGuard}, false},
		{"no store for defaults", Components{CSRF: csrfGuard, Fingerprint: sessions}, false},
		{"defaults from store", Components{Store: mem, CSRF: csrfGuard, Fingerprint: sessions}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(Config{}, tt.c)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrMissingComponent)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, p.limiter)
			assert.NotNil(t, p.monitor)
		})
	}
}

func TestPipeline_Protects(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  *testutil.HTTPRequest
		want bool
	}{
		{"browser navigation", testutil.NewBrowserRequest(http.MethodGet, "/oauth/authorize"), true},
		{"fetch metadata", testutil.NewHTTPRequest(http.MethodPost, "/oauth/token").WithHeader("Sec-Fetch-Mode", "cors"), true},
		{"cross origin post", testutil.NewHTTPRequest(http.MethodPost, "/login").WithHeader("Origin", "https://evil.example"), true},
		{"ambient cookie", testutil.NewHTTPRequest(http.MethodPost, "/oauth/token").WithCookie("guard_session", "x"), true},
		{"server to server", testutil.NewHTTPRequest(http.MethodPost, "/oauth/token").WithHeader("Accept", "application/json"), false},
		{"unprotected path", testutil.NewBrowserRequest(http.MethodGet, "/static/app.js"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.pipeline.Protects(tt.req.Build()))
		})
	}
}

func TestPipeline_PassThrough(t *testing.T) {
	f := newFixture(t)

	rr := testutil.NewHTTPRequest(http.MethodPost, "/oauth/token").
		WithHeader("Accept", "application/json").
		Do(f.handler)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Result().Cookies())
	assert.Empty(t, rr.Header().Get(security.RequestIDHeader))
}

func TestPipeline_EndToEnd(t *testing.T) {
	f := newFixture(t)

	// first visit bootstraps a session, a fingerprint and a token
	rr := testutil.NewBrowserRequest(http.MethodGet, "/oauth/authorize?client_id=app").Do(f.handler)
	require.Equal(t, http.StatusOK, rr.Code)

	s := session{
		id:    testutil.CookieValue(rr, security.DefaultSessionCookie),
		token: testutil.CookieValue(rr, csrf.DefaultCookieName),
	}
	require.NotEmpty(t, s.id)
	require.NotEmpty(t, s.token)
	assert.Equal(t, s.token, rr.Header().Get("X-CSRF-Token"))
	assert.Equal(t, s.token, f.seenToken)
	assert.NotEmpty(t, rr.Header().Get(security.RequestIDHeader))

	_, err := f.sessions.Get(context.Background(), s.id)
	require.NoError(t, err, "fingerprint recorded on first visit")

	// same browser posts the form
	rr = s.apply(testutil.NewBrowserRequest(http.MethodPost, "/oauth/authorize")).
		WithHeader("X-CSRF-Token", s.token).
		Do(f.handler)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// the same token replayed from another machine
	before := f.events(t)
	rr = s.apply(testutil.NewBrowserRequest(http.MethodPost, "/oauth/authorize")).
		WithIP(testutil.OtherClientIP).
		WithHeader("User-Agent", testutil.OtherUserAgent).
		WithHeader("X-CSRF-Token", s.token).
		Do(f.handler)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, KindCSRFValidationFailed, errorKind(t, rr))
	assert.NotContains(t, rr.Body.String(), "fingerprint")
	assert.Equal(t, before+1, f.events(t))
}

func TestPipeline_CSRFMissing(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "/oauth/consent")

	rr := session{id: s.id}.apply(testutil.NewBrowserRequest(http.MethodPost, "/oauth/consent")).Do(f.handler)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, KindCSRFValidationFailed, errorKind(t, rr))
}

func TestPipeline_CSRFFormField(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "/login")

	rr := session{id: s.id}.apply(testutil.NewBrowserRequest(http.MethodPost, "/login")).
		WithForm("username=alice&csrf_token=" + s.token).
		Do(f.handler)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestPipeline_CSRFExemptPath(t *testing.T) {
	f := newFixture(t)
	cfg := f.csrf.Config()
	cfg.ExemptPaths = []string{"/oauth/callback"}
	exempt, err := csrf.New(f.store, cfg)
	require.NoError(t, err)
	defer exempt.Close()

	p, err := New(Config{SessionCookie: SessionCookieConfig{Insecure: true}}, Components{
		CSRF:        exempt,
		Fingerprint: f.sessions,
		RateLimiter: f.limiter,
		Monitor:     f.monitor,
	})
	require.NoError(t, err)

	rr := testutil.NewBrowserRequest(http.MethodPost, "/oauth/callback").Do(p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestPipeline_TokenReuseAndRotation(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "/oauth/authorize")

	// a fresh token is reused
	rr := s.apply(testutil.NewBrowserRequest(http.MethodGet, "/oauth/authorize")).Do(f.handler)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, s.token, rr.Header().Get("X-CSRF-Token"))
	assert.Empty(t, testutil.CookieValue(rr, csrf.DefaultCookieName))
	assert.Equal(t, s.token, f.seenToken)

	// an old one is rotated
	f.clock.Advance(csrf.DefaultRotationInterval + time.Minute)
	rr = s.apply(testutil.NewBrowserRequest(http.MethodGet, "/oauth/authorize")).Do(f.handler)
	require.Equal(t, http.StatusOK, rr.Code)
	rotated := testutil.CookieValue(rr, csrf.DefaultCookieName)
	require.NotEmpty(t, rotated)
	assert.NotEqual(t, s.token, rotated)
	assert.Equal(t, rotated, f.seenToken)

	rr = s.apply(testutil.NewBrowserRequest(http.MethodPost, "/oauth/authorize")).
		WithHeader("X-CSRF-Token", s.token).
		Do(f.handler)
	assert.Equal(t, http.StatusForbidden, rr.Code, "superseded token")

	rr = session{id: s.id, token: rotated}.apply(testutil.NewBrowserRequest(http.MethodPost, "/oauth/authorize")).
		WithHeader("X-CSRF-Token", rotated).
		Do(f.handler)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPipeline_RateLimit(t *testing.T) {
	f := newFixture(t)

	for range 3 {
		rr := testutil.NewBrowserRequest(http.MethodGet, "/login").Do(f.handler)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr := testutil.NewBrowserRequest(http.MethodGet, "/login").Do(f.handler)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, KindRateLimitExceeded, errorKind(t, rr))
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.Equal(t, int64(1), f.events(t))

	// other categories keep their own budget
	rr = testutil.NewBrowserRequest(http.MethodGet, "/oauth/authorize").Do(f.handler)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPipeline_RateLimitWaitCanceled(t *testing.T) {
	f := newFixture(t, withWait(func(ctx context.Context, _ time.Duration) error {
		return context.Canceled
	}))

	for range 3 {
		testutil.NewBrowserRequest(http.MethodGet, "/login").Do(f.handler)
	}
	rr := testutil.NewBrowserRequest(http.MethodGet, "/login").Do(f.handler)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, int64(1), f.events(t), "violation recorded even when the client left")
}

func TestPipeline_BlockedIP(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.limiter.BlockIP(context.Background(), testutil.ClientIP, "test", time.Hour))

	rr := testutil.NewBrowserRequest(http.MethodGet, "/oauth/authorize").Do(f.handler)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, KindIPBlocked, errorKind(t, rr))
	assert.Equal(t, "3600", rr.Header().Get("Retry-After"))

	rr = testutil.NewBrowserRequest(http.MethodGet, "/oauth/authorize").WithIP(testutil.OtherClientIP).Do(f.handler)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPipeline_InputValidation(t *testing.T) {
	validator := InputValidatorFunc(func(r *http.Request) error {
		if strings.HasPrefix(r.URL.Query().Get("redirect_uri"), "javascript:") {
			return errors.New("redirect_uri scheme not allowed")
		}
		return nil
	})
	f := newFixture(t, withValidator(validator))

	rr := testutil.NewBrowserRequest(http.MethodGet, "/oauth/authorize?redirect_uri=javascript:alert(1)").Do(f.handler)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, KindInvalidInput, errorKind(t, rr))
	assert.NotContains(t, rr.Body.String(), "scheme")
	assert.True(t, f.notifier.has(threat.AlertParameterManipulation))

	rr = testutil.NewBrowserRequest(http.MethodGet, "/oauth/authorize?redirect_uri=https://app.example/cb").Do(f.handler)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPipeline_AuthorizeParamValidator(t *testing.T) {
	v, err := validate.New(validate.Config{ProductionMode: true})
	require.NoError(t, err)
	f := newFixture(t, withValidator(v))

	before := f.events(t)
	rr := testutil.NewBrowserRequest(http.MethodGet,
		"/oauth/authorize?response_type=code&state=abcdefgh&redirect_uri=http://169.254.169.254/latest").Do(f.handler)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, KindInvalidInput, errorKind(t, rr))
	assert.NotContains(t, rr.Body.String(), "169.254")
	assert.Equal(t, before+1, f.events(t))

	rr = testutil.NewBrowserRequest(http.MethodGet,
		"/oauth/authorize?response_type=code&state=abcdefgh&redirect_uri=https://app.example/cb").Do(f.handler)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPipeline_SessionHijack(t *testing.T) {
	f := newFixture(t)

	rr := testutil.NewBrowserRequest(http.MethodGet, "/oauth/authorize").
		WithHeader("CF-IPCountry", "US").
		Do(f.handler)
	require.Equal(t, http.StatusOK, rr.Code)
	s := session{
		id:    testutil.CookieValue(rr, security.DefaultSessionCookie),
		token: testutil.CookieValue(rr, csrf.DefaultCookieName),
	}

	f.clock.Advance(10 * time.Minute)
	rr = s.apply(testutil.NewBrowserRequest(http.MethodPost, "/oauth/authorize")).
		WithHeader("CF-IPCountry", "DE").
		WithHeader("X-CSRF-Token", s.token).
		Do(f.handler)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, KindSessionAnomalyDetected, errorKind(t, rr))

	_, err := f.sessions.Get(context.Background(), s.id)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	res := f.csrf.Inspect(s.apply(testutil.NewBrowserRequest(http.MethodPost, "/oauth/authorize")).
		WithHeader("X-CSRF-Token", s.token).Build())
	assert.False(t, res.Valid, "tokens of an invalidated session are torn down")
}

func TestPipeline_MinorAnomalyPasses(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "/oauth/authorize")

	// a changed language preference is tolerated
	rr := s.apply(testutil.NewBrowserRequest(http.MethodGet, "/oauth/authorize")).
		WithHeader("Accept-Language", "de-DE").
		Do(f.handler)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPipeline_OpportunisticChecks(t *testing.T) {
	f := newFixture(t)

	rr := testutil.NewBrowserRequest(http.MethodGet, "/oauth/authorize").
		WithHeader("User-Agent", "curl/8.5.0").
		Do(f.handler)
	assert.Equal(t, http.StatusOK, rr.Code, "observational checks never block")
	assert.Equal(t, int64(1), f.events(t))
	assert.True(t, f.notifier.has(threat.AlertSuspiciousUserAgent))

	long := strings.Repeat("a", DefaultMaxQueryParamLength+1)
	rr = testutil.NewBrowserRequest(http.MethodGet, "/oauth/authorize?state="+long).WithIP(testutil.OtherClientIP).Do(f.handler)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(2), f.events(t))
}

type faultyStore struct {
	*memory.Store
}

func (faultyStore) IncrementWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestPipeline_StoreFaultFailsClosed(t *testing.T) {
	mem := memory.New(memory.Config{CleanupInterval: -1})
	defer mem.Stop()
	f := newFixture(t, withStore(faultyStore{mem}))

	rr := testutil.NewBrowserRequest(http.MethodGet, "/oauth/authorize").Do(f.handler)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, KindInternalSecurityFault, errorKind(t, rr))
	assert.NotContains(t, rr.Body.String(), "connection reset")
}

func TestPipeline_RegenerateSession(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "/oauth/authorize")

	newID, err := NewSessionID()
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	req := s.apply(testutil.NewBrowserRequest(http.MethodPost, "/login")).Build()
	require.NoError(t, f.pipeline.RegenerateSession(rr, req, s.id, newID, "user-1"))

	assert.Equal(t, newID, testutil.CookieValue(rr, security.DefaultSessionCookie))

	ctx := context.Background()
	_, err = f.sessions.Get(ctx, s.id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	fp, err := f.sessions.Get(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", fp.UserID)

	// the old token no longer works, even on the new session
	rr2 := session{id: newID, token: s.token}.apply(testutil.NewBrowserRequest(http.MethodPost, "/oauth/authorize")).
		WithHeader("X-CSRF-Token", s.token).
		Do(f.handler)
	assert.Equal(t, http.StatusForbidden, rr2.Code)

	// a page load on the new session issues a fresh token
	rr3 := session{id: newID}.apply(testutil.NewBrowserRequest(http.MethodGet, "/oauth/authorize")).Do(f.handler)
	require.Equal(t, http.StatusOK, rr3.Code)
	fresh := testutil.CookieValue(rr3, csrf.DefaultCookieName)
	require.NotEmpty(t, fresh)

	rr4 := session{id: newID, token: fresh}.apply(testutil.NewBrowserRequest(http.MethodPost, "/oauth/authorize")).
		WithHeader("X-CSRF-Token", fresh).
		Do(f.handler)
	assert.Equal(t, http.StatusOK, rr4.Code)
}

func TestPipeline_RegenerateSession_InvalidID(t *testing.T) {
	f := newFixture(t)
	req := testutil.NewBrowserRequest(http.MethodPost, "/login").Build()

	assert.ErrorIs(t, f.pipeline.RegenerateSession(httptest.NewRecorder(), req, "old-session-id-0000", "", ""), ErrInvalidSessionID)
	assert.ErrorIs(t, f.pipeline.RegenerateSession(httptest.NewRecorder(), req, "same-session-id-0000", "same-session-id-0000", ""), ErrInvalidSessionID)
	assert.ErrorIs(t, f.pipeline.RegenerateSession(httptest.NewRecorder(), req, "old-session-id-0000", "bad id!", ""), ErrInvalidSessionID)
}

func TestPipeline_ForgedSessionCookieReplaced(t *testing.T) {
	f := newFixture(t)

	rr := testutil.NewBrowserRequest(http.MethodGet, "/oauth/authorize").
		WithCookie(security.DefaultSessionCookie, "<script>").
		Do(f.handler)
	require.Equal(t, http.StatusOK, rr.Code)
	sid := testutil.CookieValue(rr, security.DefaultSessionCookie)
	assert.NotEmpty(t, sid)
	assert.NotEqual(t, "<script>", sid)
}

func TestCategoryMatcher(t *testing.T) {
	m := newCategoryMatcher(map[string]ratelimit.Category{
		"/oauth/":      ratelimit.CategoryGlobal,
		"/oauth/token": ratelimit.CategoryToken,
		"/login":       ratelimit.CategoryLogin,
	})

	assert.Equal(t, ratelimit.CategoryToken, m.match("/oauth/token"))
	assert.Equal(t, ratelimit.CategoryGlobal, m.match("/oauth/authorize"))
	assert.Equal(t, ratelimit.CategoryLogin, m.match("/login/mfa"))
	assert.Equal(t, ratelimit.CategoryGlobal, m.match("/elsewhere"))
}

func TestCSRFTokenFromContext_Empty(t *testing.T) {
	assert.Empty(t, CSRFTokenFromContext(context.Background()))
	assert.Empty(t, SessionIDFromContext(context.Background()))
}
