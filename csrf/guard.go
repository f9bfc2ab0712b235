package csrf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-guard/instrumentation"
	"github.com/giantswarm/oauth-guard/internal/util"
	"github.com/giantswarm/oauth-guard/security"
	"github.com/giantswarm/oauth-guard/storage"
)

// Guard issues, validates and rotates CSRF tokens.
type Guard struct {
	store    storage.KeyValueStore
	codec    *storage.Codec
	cfg      Config
	binding  *security.KeyedHash
	issuance *security.KeyedLimiter
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a CSRF guard backed by store.
func New(store storage.KeyValueStore, cfg Config) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("csrf: store is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, ErrMissingSecret
	}
	cfg.applyDefaults()

	key, err := security.DeriveKey(cfg.Secret, security.PurposeCSRFBinding)
	if err != nil {
		return nil, fmt.Errorf("csrf: %w", err)
	}

	g := &Guard{
		store:   store,
		codec:   cfg.Codec,
		cfg:     cfg,
		binding: security.NewKeyedHash(key),
		issuance: security.NewKeyedLimiter(security.KeyedLimiterConfig{
			Rate:   cfg.IssuanceRate,
			Burst:  cfg.IssuanceBurst,
			Logger: cfg.Logger,
			Now:    cfg.Now,
		}),
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	if cfg.Instrumentation != nil {
		g.tracer = cfg.Instrumentation.Tracer("csrf")
	}
	return g, nil
}

// Close releases the issuance limiter.
func (g *Guard) Close() {
	g.issuance.Stop()
}

// Config returns the effective configuration.
func (g *Guard) Config() Config {
	return g.cfg
}

func (g *Guard) metrics() *instrumentation.Metrics {
	if g.cfg.Instrumentation == nil {
		return nil
	}
	return g.cfg.Instrumentation.Metrics()
}

func (g *Guard) fingerprint(value, sessionID, ip, userAgent string) string {
	return g.binding.Sum(value, sessionID, ip, userAgent)
}

// IsExempt reports whether path is excluded from CSRF checks.
func (g *Guard) IsExempt(path string) bool {
	for _, p := range g.cfg.ExemptPaths {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// RequiresToken reports whether a request with this method must carry a token.
func RequiresToken(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// Issue mints a token bound to the requester and sets it as cookie and response header.
func (g *Guard) Issue(w http.ResponseWriter, r *http.Request, sessionID, userID string) (*Token, error) {
	return g.issue(w, r, sessionID, userID, false)
}

func (g *Guard) issue(w http.ResponseWriter, r *http.Request, sessionID, userID string, rotated bool) (_ *Token, err error) {
	ctx, span := instrumentation.StartSpan(r.Context(), g.tracer, "csrf.issue")
	defer span.End()

	ip := g.cfg.IPResolver.ClientIP(r)
	if !g.issuance.Allow(ip) {
		if m := g.metrics(); m != nil {
			m.RecordCSRFIssuanceThrottled(ctx)
		}
		g.cfg.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventCSRFIssuanceLimited,
			SessionID: sessionID,
			IPAddress: ip,
		})
		instrumentation.SetSpanError(span, "issuance rate limited")
		return nil, ErrIssuanceRateLimited
	}

	value, err := security.GenerateToken(tokenBytes)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("%w: %w", ErrTokenGeneration, err)
	}

	now := g.now()
	userAgent := r.UserAgent()
	tok := &Token{
		Value:           value,
		SessionID:       sessionID,
		UserID:          userID,
		ClientIP:        ip,
		UserAgent:       userAgent,
		CreatedAt:       now,
		Active:          true,
		FingerprintHash: g.fingerprint(value, sessionID, ip, userAgent),
	}

	if err := storage.PutRecord(ctx, g.store, g.codec, tokenKey(value), kindToken, tok, g.cfg.Lifetime); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("%w: %w", ErrTokenGeneration, err)
	}

	if sessionID != "" {
		g.trackSessionToken(ctx, sessionID, tok)
	}

	g.setCookie(w, value)
	w.Header().Set(g.cfg.HeaderNames[0], value)

	if m := g.metrics(); m != nil {
		m.RecordCSRFTokenIssued(ctx, rotated)
	}
	g.cfg.Auditor.LogCSRFTokenIssued(ctx, sessionID, userID, ip, rotated)
	g.logger.Debug("Issued CSRF token",
		"token_prefix", util.SafeTruncate(value, tokenLogLength),
		"rotated", rotated)

	instrumentation.SetSpanSuccess(span)
	return tok, nil
}

// trackSessionToken records tok in the session index and evicts the oldest
// tokens beyond the per-session cap. Concurrent issuance may briefly exceed the cap.
func (g *Guard) trackSessionToken(ctx context.Context, sessionID string, tok *Token) {
	key := sessionKey(sessionID)

	idx, err := storage.GetRecord[sessionIndex](ctx, g.store, g.codec, key, kindSessionIndex)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			g.logger.Warn("Failed to load CSRF session index", "error", err)
		}
		idx = &sessionIndex{}
	}

	idx.Tokens = append(idx.Tokens, sessionIndexEntry{Value: tok.Value, CreatedAt: tok.CreatedAt})
	sort.SliceStable(idx.Tokens, func(i, j int) bool {
		return idx.Tokens[i].CreatedAt.Before(idx.Tokens[j].CreatedAt)
	})

	if excess := len(idx.Tokens) - g.cfg.MaxTokensPerSession; excess > 0 {
		evict := make([]string, 0, excess)
		for _, e := range idx.Tokens[:excess] {
			evict = append(evict, tokenKey(e.Value))
		}
		if err := g.store.Delete(ctx, evict...); err != nil {
			g.logger.Warn("Failed to evict CSRF tokens", "error", err, "count", len(evict))
		}
		idx.Tokens = idx.Tokens[excess:]
	}

	if err := storage.PutRecord(ctx, g.store, g.codec, key, kindSessionIndex, idx, g.cfg.Lifetime); err != nil {
		g.logger.Warn("Failed to save CSRF session index", "error", err)
	}
}

func (g *Guard) setCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:   g.cfg.CookieName,
		Value:  value,
		Path:   g.cfg.CookiePath,
		Domain: g.cfg.CookieDomain,
		MaxAge: int(g.cfg.Lifetime.Seconds()),
		// client script must read the value to echo it in a header
		HttpOnly: false,
		Secure:   g.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Validate reports whether r passes the CSRF check.
func (g *Guard) Validate(r *http.Request, required bool) bool {
	return g.Check(r, required).Valid
}

// Check validates the token on r and records a use on success.
// Internal faults fail closed with ReasonStoreError.
func (g *Guard) Check(r *http.Request, required bool) Result {
	if g.IsExempt(r.URL.Path) || !RequiresToken(r.Method) {
		return Result{Valid: true}
	}
	return g.check(r, required, true)
}

// Inspect evaluates the presented token without counting a use, regardless of method.
func (g *Guard) Inspect(r *http.Request) Result {
	return g.check(r, true, false)
}

func (g *Guard) check(r *http.Request, required, recordUse bool) Result {
	ctx, span := instrumentation.StartSpan(r.Context(), g.tracer, "csrf.validate")
	defer span.End()

	res := g.evaluate(ctx, r, required, recordUse)

	instrumentation.SetSpanAttributes(span,
		attribute.Bool(instrumentation.AttrCSRFResult, res.Valid),
		attribute.String(instrumentation.AttrCSRFReason, string(res.Reason)),
		attribute.Bool(instrumentation.AttrCSRFRotationDue, res.RotationDue),
	)
	if !res.Valid && res.Reason != ReasonNone {
		if m := g.metrics(); m != nil && recordUse {
			m.RecordCSRFValidationFailed(ctx, string(res.Reason))
		}
		g.logger.Info("CSRF validation failed",
			"reason", res.Reason,
			"path", r.URL.Path,
			"method", r.Method)
	}
	return res
}

func (g *Guard) evaluate(ctx context.Context, r *http.Request, required, recordUse bool) Result {
	value := g.extractToken(r)
	if value == "" {
		if required {
			return Result{Reason: ReasonMissing}
		}
		return Result{Valid: true}
	}

	tok, err := storage.GetRecord[Token](ctx, g.store, g.codec, tokenKey(value), kindToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{Reason: ReasonNotFound}
		}
		g.logger.Error("Failed to load CSRF token", "error", err)
		return Result{Reason: ReasonStoreError}
	}

	if !tok.Active {
		return Result{Reason: ReasonInactive, Token: tok}
	}

	now := g.now()
	age := tok.Age(now)
	if security.IsExpired(now, tok.CreatedAt.Add(g.cfg.Lifetime), 0) {
		return Result{Reason: ReasonExpired, Token: tok}
	}

	sessionID := g.cfg.Sessions.SessionID(r)
	expected := g.fingerprint(tok.Value, sessionID, g.cfg.IPResolver.ClientIP(r), r.UserAgent())
	if !security.ConstantTimeEqual(tok.FingerprintHash, expected) {
		return Result{Reason: ReasonFingerprintMismatch, Token: tok}
	}

	if recordUse {
		tok.UseCount++
		tok.LastUsedAt = now
		if err := storage.PutRecord(ctx, g.store, g.codec, tokenKey(tok.Value), kindToken, tok, g.cfg.Lifetime-age); err != nil {
			g.logger.Error("Failed to record CSRF token use", "error", err)
			return Result{Reason: ReasonStoreError, Token: tok}
		}
	}

	return Result{
		Valid:       true,
		RotationDue: security.IsExpired(now, tok.CreatedAt.Add(g.cfg.RotationInterval), 0),
		Token:       tok,
	}
}

// extractToken looks in the configured headers, then the form field, then the cookie.
func (g *Guard) extractToken(r *http.Request) string {
	for _, h := range g.cfg.HeaderNames {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}

	if r.Body != nil && isFormContent(r.Header.Get("Content-Type")) {
		if v := strings.TrimSpace(r.PostFormValue(g.cfg.FormField)); v != "" {
			return v
		}
	}

	if c, err := r.Cookie(g.cfg.CookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func isFormContent(contentType string) bool {
	return strings.HasPrefix(contentType, "application/x-www-form-urlencoded") ||
		strings.HasPrefix(contentType, "multipart/form-data")
}

// Rotate issues a replacement for oldValue carrying the same session and user,
// then invalidates oldValue. Without a stored old token it issues a fresh one.
func (g *Guard) Rotate(w http.ResponseWriter, r *http.Request, oldValue string) (*Token, error) {
	ctx := r.Context()

	var sessionID, userID string
	old, err := storage.GetRecord[Token](ctx, g.store, g.codec, tokenKey(oldValue), kindToken)
	switch {
	case err == nil:
		sessionID, userID = old.SessionID, old.UserID
	case errors.Is(err, storage.ErrNotFound):
		g.logger.Debug("Rotating unknown CSRF token, issuing without context")
	default:
		return nil, fmt.Errorf("%w: %w", ErrTokenGeneration, err)
	}

	tok, err := g.issue(w, r, sessionID, userID, true)
	if err != nil {
		return nil, err
	}

	if err := g.Invalidate(ctx, oldValue); err != nil {
		g.logger.Warn("Failed to invalidate rotated CSRF token", "error", err)
	}
	return tok, nil
}

// Invalidate removes a single token.
func (g *Guard) Invalidate(ctx context.Context, value string) error {
	if value == "" {
		return nil
	}
	if err := g.store.Delete(ctx, tokenKey(value)); err != nil {
		return fmt.Errorf("failed to invalidate csrf token: %w", err)
	}
	g.cfg.Auditor.LogCSRFTokenInvalidated(ctx, "", "invalidated")
	return nil
}

// InvalidateSession removes every token issued for sessionID.
func (g *Guard) InvalidateSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	key := sessionKey(sessionID)

	idx, err := storage.GetRecord[sessionIndex](ctx, g.store, g.codec, key, kindSessionIndex)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load csrf session index: %w", err)
	}

	keys := make([]string, 0, len(idx.Tokens)+1)
	for _, e := range idx.Tokens {
		keys = append(keys, tokenKey(e.Value))
	}
	keys = append(keys, key)

	if err := g.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to invalidate csrf session: %w", err)
	}
	g.cfg.Auditor.LogCSRFSessionCleared(ctx, sessionID, len(idx.Tokens))
	return nil
}

// ExpireCookie instructs the browser to drop the CSRF cookie.
func (g *Guard) ExpireCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.cfg.CookieName,
		Value:    "",
		Path:     g.cfg.CookiePath,
		Domain:   g.cfg.CookieDomain,
		MaxAge:   -1,
		Secure:   g.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
