package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-guard/csrf"
	"github.com/giantswarm/oauth-guard/fingerprint"
	"github.com/giantswarm/oauth-guard/instrumentation"
	"github.com/giantswarm/oauth-guard/internal/util"
	"github.com/giantswarm/oauth-guard/ratelimit"
	"github.com/giantswarm/oauth-guard/security"
	"github.com/giantswarm/oauth-guard/storage"
	"github.com/giantswarm/oauth-guard/threat"
)

var (
	// ErrMissingComponent is returned by New when a required collaborator is nil.
	ErrMissingComponent = errors.New("guard: missing required component")

	// ErrInvalidSessionID is returned by RegenerateSession for an unusable new session id.
	ErrInvalidSessionID = errors.New("guard: invalid session id")
)

// sessionIDPattern matches ids minted by NewSessionID and similar opaque ids.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// paramLogLength bounds request parameter values copied into security events.
const paramLogLength = 256

// InputValidator checks request parameters before the guards run. A non-nil
// error rejects the request with 400.
type InputValidator interface {
	Validate(r *http.Request) error
}

// InputValidatorFunc adapts a function to InputValidator.
type InputValidatorFunc func(r *http.Request) error

// Validate implements InputValidator.
func (f InputValidatorFunc) Validate(r *http.Request) error { return f(r) }

// Components are the collaborators a Pipeline composes. CSRF and Fingerprint
// are required. RateLimiter and Monitor are built on Store with default
// settings when nil; the default monitor contains threats through the limiter.
type Components struct {
	Store           storage.KeyValueStore
	CSRF            *csrf.Guard
	Fingerprint     *fingerprint.Guard
	RateLimiter     *ratelimit.Limiter
	Monitor         *threat.Monitor
	InputValidator  InputValidator
	Instrumentation *instrumentation.Instrumentation
}

// Pipeline runs every protected browser request through rate limiting, input
// validation, CSRF and session checks, and attaches CSRF tokens to the pages
// that need them.
type Pipeline struct {
	cfg        Config
	csrf       *csrf.Guard
	sessions   *fingerprint.Guard
	limiter    *ratelimit.Limiter
	monitor    *threat.Monitor
	validator  InputValidator
	inst       *instrumentation.Instrumentation
	tracer     trace.Tracer
	categories categoryMatcher
	logger     *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config, c Components) (*Pipeline, error) {
	cfg.applyDefaults()

	if c.CSRF == nil {
		return nil, fmt.Errorf("%w: csrf guard", ErrMissingComponent)
	}
	if c.Fingerprint == nil {
		return nil, fmt.Errorf("%w: fingerprint guard", ErrMissingComponent)
	}
	if (c.RateLimiter == nil || c.Monitor == nil) && c.Store == nil {
		return nil, fmt.Errorf("%w: store", ErrMissingComponent)
	}

	if c.RateLimiter == nil {
		l, err := ratelimit.New(c.Store, nil, ratelimit.Config{
			IPResolver:      cfg.IPResolver,
			Auditor:         cfg.Auditor,
			Logger:          cfg.Logger,
			Instrumentation: c.Instrumentation,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		c.RateLimiter = l
	}
	if c.Monitor == nil {
		m, err := threat.New(c.Store, threat.Config{
			Containment:     c.RateLimiter,
			IPResolver:      cfg.IPResolver,
			Auditor:         cfg.Auditor,
			Logger:          cfg.Logger,
			Instrumentation: c.Instrumentation,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create threat monitor: %w", err)
		}
		c.Monitor = m
	}

	p := &Pipeline{
		cfg:        cfg,
		csrf:       c.CSRF,
		sessions:   c.Fingerprint,
		limiter:    c.RateLimiter,
		monitor:    c.Monitor,
		validator:  c.InputValidator,
		inst:       c.Instrumentation,
		categories: newCategoryMatcher(cfg.Categories),
		logger:     cfg.Logger,
	}
	if c.Instrumentation != nil {
		p.tracer = c.Instrumentation.Tracer("guard")
	}
	return p, nil
}

// Protects reports whether r runs through the pipeline: a browser-style
// request to a protected path.
func (p *Pipeline) Protects(r *http.Request) bool {
	return hasPrefix(r.URL.Path, p.cfg.ProtectedPaths) && isBrowserRequest(r)
}

// isBrowserRequest recognizes requests a browser sends on its own: fetch
// metadata, HTML navigation, cross-origin context or ambient cookies.
// Server-to-server OAuth calls carry none of these.
func isBrowserRequest(r *http.Request) bool {
	h := r.Header
	switch {
	case h.Get("Sec-Fetch-Mode") != "", h.Get("Sec-Fetch-Site") != "", h.Get("Sec-Fetch-Dest") != "":
		return true
	case strings.Contains(h.Get("Accept"), "text/html"):
		return true
	case h.Get("Origin") != "", h.Get("Referer") != "":
		return true
	}
	return len(r.Cookies()) > 0
}

// Middleware wraps next with the pipeline. Rejections are written as generic
// JSON errors and never reach next.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.Protects(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ctx, span := instrumentation.StartSpan(r.Context(), p.tracer, "guard.pipeline")
		defer span.End()
		if p.inst != nil && p.inst.ShouldLogClientIPs() {
			instrumentation.AddSecurityAttributes(span, p.cfg.IPResolver.ClientIP(r))
		}

		r, requestID := security.EnsureRequestID(w, r.WithContext(ctx))
		r, gerr := p.run(w, r)
		if gerr != nil {
			instrumentation.AddHTTPAttributes(span, r.Method, r.URL.Path, gerr.Status)
			instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrPipelineOutcome, string(gerr.Kind)))
			instrumentation.SetSpanError(span, string(gerr.Kind))
			p.logRejection(r, requestID, gerr)
			p.recordOutcome(ctx, string(gerr.Kind), start)
			WriteError(w, gerr)
			return
		}

		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrHTTPMethod, r.Method),
			attribute.String(instrumentation.AttrHTTPEndpoint, r.URL.Path),
			attribute.String(instrumentation.AttrPipelineOutcome, "allowed"),
		)
		instrumentation.SetSpanSuccess(span)
		p.recordOutcome(ctx, "allowed", start)
		next.ServeHTTP(w, r)
	})
}

func (p *Pipeline) run(w http.ResponseWriter, r *http.Request) (*http.Request, *Error) {
	r, sessionID, gerr := p.ensureSession(w, r)
	if gerr != nil {
		return r, gerr
	}
	userID := p.cfg.Users.UserID(r)

	if gerr := p.checkRateLimit(r, sessionID, userID); gerr != nil {
		return r, gerr
	}
	if gerr := p.validateInput(r, sessionID, userID); gerr != nil {
		return r, gerr
	}
	if csrf.RequiresToken(r.Method) && !p.csrf.IsExempt(r.URL.Path) {
		if gerr := p.checkCSRF(r, sessionID, userID); gerr != nil {
			return r, gerr
		}
	}
	if gerr := p.checkSession(r, sessionID, userID); gerr != nil {
		return r, gerr
	}

	p.observe(r, sessionID, userID)

	if r.Method == http.MethodGet && hasPrefix(r.URL.Path, p.cfg.CSRFProtectedPaths) {
		return p.attachToken(w, r, sessionID, userID)
	}
	return r, nil
}

// ensureSession resolves the browser session, minting one when the request
// carries none, and records it on the request context.
func (p *Pipeline) ensureSession(w http.ResponseWriter, r *http.Request) (*http.Request, string, *Error) {
	if sid := security.GetSessionID(r.Context()); sid != "" {
		return r, sid, nil
	}

	var sessionID string
	if c, err := r.Cookie(p.cfg.SessionCookie.Name); err == nil && sessionIDPattern.MatchString(c.Value) {
		sessionID = c.Value
	} else {
		sid, err := NewSessionID()
		if err != nil {
			return r, "", ErrInternalSecurityFault(err)
		}
		sessionID = sid
		p.setSessionCookie(w, sessionID)
	}
	return r.WithContext(security.WithSessionID(r.Context(), sessionID)), sessionID, nil
}

func (p *Pipeline) setSessionCookie(w http.ResponseWriter, sessionID string) {
	sc := p.cfg.SessionCookie
	http.SetCookie(w, &http.Cookie{
		Name:     sc.Name,
		Value:    sessionID,
		Domain:   sc.Domain,
		Path:     sc.Path,
		MaxAge:   int(sc.MaxAge.Seconds()),
		Secure:   !sc.Insecure,
		HttpOnly: true,
		// Lax so the cookie survives the top-level redirect back from an
		// identity provider.
		SameSite: http.SameSiteLaxMode,
	})
}

func (p *Pipeline) checkRateLimit(r *http.Request, sessionID, userID string) *Error {
	category := p.categories.match(r.URL.Path)
	d, err := p.limiter.Check(r, category, clientIDOf(r), userID)

	switch {
	case d.Blocked:
		return ErrIPBlocked(d.RetryAfter)
	case !d.Allowed && d.Violations > 0:
		// err here can only be the penalty wait giving up on a gone client.
		p.emit(r, sessionID, userID, threat.EventInput{
			Type:        threat.EventRateLimitViolation,
			Description: "rate limit exceeded for " + string(category),
			Details: map[string]any{
				"category":   string(category),
				"count":      d.Count,
				"limit":      d.Limit,
				"violations": d.Violations,
			},
		})
		return ErrRateLimitExceeded(d.RetryAfter)
	case err != nil:
		return ErrInternalSecurityFault(fmt.Errorf("rate limit check failed: %w", err))
	}
	return nil
}

func (p *Pipeline) validateInput(r *http.Request, sessionID, userID string) *Error {
	if p.validator == nil {
		return nil
	}
	err := p.validator.Validate(r)
	if err == nil {
		return nil
	}

	details := requestParams(r)
	details["validation_error"] = util.SafeTruncate(err.Error(), paramLogLength)
	p.emit(r, sessionID, userID, threat.EventInput{
		Type:        threat.EventInvalidParameters,
		Description: "request failed input validation",
		Details:     details,
	})
	return ErrInvalidInput(err)
}

func (p *Pipeline) checkCSRF(r *http.Request, sessionID, userID string) *Error {
	res := p.csrf.Check(r, true)
	if res.Valid {
		return nil
	}
	if res.Reason == csrf.ReasonStoreError {
		p.logger.Error("CSRF check could not complete, rejecting", "path", r.URL.Path)
	}
	p.emit(r, sessionID, userID, threat.EventInput{
		Type:        threat.EventCSRFAttack,
		Description: "csrf validation failed",
		Details:     map[string]any{"reason": string(res.Reason)},
	})
	return ErrCSRFValidationFailed()
}

func (p *Pipeline) checkSession(r *http.Request, sessionID, userID string) *Error {
	res, err := p.sessions.Validate(r, sessionID, userID)
	if err != nil {
		return ErrInternalSecurityFault(fmt.Errorf("session validation failed: %w", err))
	}
	if len(res.Anomalies) == 0 {
		return nil
	}

	types := make([]string, 0, len(res.Anomalies))
	for _, a := range res.Anomalies {
		types = append(types, string(a.Type))
	}

	if res.Valid || !res.HasSevere() {
		p.logger.Info("Session anomalies tolerated",
			"session_id_hash", security.HashForLogging(sessionID),
			"risk", res.Risk,
			"max_severity", res.MaxSeverity(),
			"anomalies", types)
		return nil
	}

	p.emit(r, sessionID, userID, threat.EventInput{
		Type:        threat.EventSessionHijacking,
		Description: "session fingerprint anomaly",
		Details: map[string]any{
			"risk":      res.Risk,
			"state":     string(res.State),
			"anomalies": types,
		},
	})
	if res.State == fingerprint.StateInvalidated {
		if err := p.csrf.InvalidateSession(r.Context(), sessionID); err != nil {
			p.logger.Warn("Failed to invalidate csrf tokens of hijacked session", "error", err)
		}
	}
	return ErrSessionAnomalyDetected()
}

// observe reports suspicious traits of an allowed request. It never blocks.
func (p *Pipeline) observe(r *http.Request, sessionID, userID string) {
	if match, ok := util.ContainsAnyFold(r.UserAgent(), p.cfg.SuspiciousUserAgents); ok {
		p.emit(r, sessionID, userID, threat.EventInput{
			Type:        threat.EventSuspiciousUserAgent,
			Description: "suspicious user agent",
			Details:     map[string]any{"pattern": match},
		})
	}

	query := r.URL.Query()
	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range query[name] {
			if len(v) > p.cfg.MaxQueryParamLength {
				p.emit(r, sessionID, userID, threat.EventInput{
					Type:        threat.EventInvalidParameters,
					Description: "overlong query parameter",
					Details:     map[string]any{"parameter": name, "length": len(v)},
				})
				return
			}
		}
	}
}

// attachToken reuses a valid CSRF token, rotates one that is due, or issues
// a fresh one, and exposes it to downstream handlers.
func (p *Pipeline) attachToken(w http.ResponseWriter, r *http.Request, sessionID, userID string) (*http.Request, *Error) {
	res := p.csrf.Inspect(r)

	var (
		tok *csrf.Token
		err error
	)
	switch {
	case res.Valid && !res.RotationDue:
		tok = res.Token
		w.Header().Set(p.csrf.Config().HeaderNames[0], tok.Value)
	case res.Valid:
		tok, err = p.csrf.Rotate(w, r, res.Token.Value)
	default:
		tok, err = p.csrf.Issue(w, r, sessionID, userID)
	}

	if errors.Is(err, csrf.ErrIssuanceRateLimited) {
		return r, ErrRateLimitExceeded(issuanceRetryAfter(p.csrf.Config()))
	}
	if err != nil {
		return r, ErrInternalSecurityFault(err)
	}
	return r.WithContext(withCSRFToken(r.Context(), tok.Value)), nil
}

func issuanceRetryAfter(cfg csrf.Config) time.Duration {
	if cfg.IssuanceRate <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / float64(cfg.IssuanceRate))
}

// RegenerateSession moves a browser to newSessionID after a privilege change
// such as login. The new session gets a fresh fingerprint and cookie, and the
// CSRF tokens of the old session are torn down; the next protected GET
// issues new ones.
func (p *Pipeline) RegenerateSession(w http.ResponseWriter, r *http.Request, oldSessionID, newSessionID, userID string) error {
	if !sessionIDPattern.MatchString(newSessionID) || newSessionID == oldSessionID {
		return ErrInvalidSessionID
	}

	ctx, span := instrumentation.StartSpan(r.Context(), p.tracer, "guard.regenerate_session")
	defer span.End()
	r = r.WithContext(ctx)

	if _, err := p.sessions.Regenerate(r, oldSessionID, newSessionID, userID); err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to regenerate fingerprint: %w", err)
	}
	if err := p.csrf.InvalidateSession(ctx, oldSessionID); err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to invalidate csrf tokens: %w", err)
	}
	p.csrf.ExpireCookie(w)
	p.setSessionCookie(w, newSessionID)

	instrumentation.SetSpanSuccess(span)
	return nil
}

// NewSessionID returns a random session id accepted by the pipeline.
func NewSessionID() (string, error) {
	return security.GenerateToken(32)
}

// emit records a security event. Events outlive the request, so a client
// hanging up does not cancel them. Failures are logged.
func (p *Pipeline) emit(r *http.Request, sessionID, userID string, in threat.EventInput) {
	in.SessionID = sessionID
	in.UserID = userID
	if in.ClientID == "" {
		in.ClientID = clientIDOf(r)
	}
	r = r.WithContext(context.WithoutCancel(r.Context()))
	if _, err := p.monitor.ProcessEvent(r, in); err != nil {
		p.logger.Error("Failed to record security event", "error", err, "type", in.Type)
	}
}

func (p *Pipeline) logRejection(r *http.Request, requestID string, e *Error) {
	attrs := []any{
		"kind", e.Kind,
		"status", e.Status,
		"path", r.URL.Path,
		"method", r.Method,
		"request_id", requestID,
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
	}
	if e.Status >= http.StatusInternalServerError {
		p.logger.Error("Request rejected by security pipeline", attrs...)
		return
	}
	p.logger.Warn("Request rejected by security pipeline", attrs...)
}

func (p *Pipeline) recordOutcome(ctx context.Context, outcome string, start time.Time) {
	if p.inst == nil {
		return
	}
	p.inst.Metrics().RecordPipelineRequest(ctx, outcome, float64(time.Since(start).Microseconds())/1000)
}

// clientIDOf returns the OAuth client_id parameter of r, if any.
func clientIDOf(r *http.Request) string {
	return util.SafeTruncate(r.FormValue("client_id"), paramLogLength)
}

// requestParams copies the query parameters of r for event details.
func requestParams(r *http.Request) map[string]any {
	query := r.URL.Query()
	out := make(map[string]any, len(query)+1)
	for name, values := range query {
		if len(values) > 0 {
			out[name] = util.SafeTruncate(values[0], paramLogLength)
		}
	}
	return out
}

type csrfTokenContextKey struct{}

func withCSRFToken(ctx context.Context, value string) context.Context {
	return context.WithValue(ctx, csrfTokenContextKey{}, value)
}

// CSRFTokenFromContext returns the token attached by the pipeline to a
// protected GET, for embedding in rendered forms.
func CSRFTokenFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(csrfTokenContextKey{}).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext returns the session id the pipeline resolved for the request.
func SessionIDFromContext(ctx context.Context) string {
	return security.GetSessionID(ctx)
}
