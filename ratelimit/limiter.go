package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-guard/instrumentation"
	"github.com/giantswarm/oauth-guard/storage"
)

const (
	windowKeyPrefix    = "ratelimit:ip:"
	violationKeyPrefix = "ratelimit:violations:"
	blockKeyPrefix     = "ratelimit:block:"
	strictKeyPrefix    = "ratelimit:strict:"

	kindBlock      = "ratelimit_block"
	kindStrictness = "ratelimit_strictness"
)

func windowKey(ip string, c Category) string    { return windowKeyPrefix + ip + ":" + string(c) }
func violationKey(ip string, c Category) string { return violationKeyPrefix + ip + ":" + string(c) }
func blockKey(ip string) string                 { return blockKeyPrefix + ip }
func strictKey(ip string) string                { return strictKeyPrefix + ip }

type blockRecord struct {
	Reason string    `json:"reason"`
	Until  time.Time `json:"until"`
}

type strictnessRecord struct {
	Factor float64   `json:"factor"`
	Until  time.Time `json:"until"`
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed bool
	// Blocked is set when the caller is under a temporary IP block.
	Blocked bool
	// RetryAfter is the advisory wait before retrying a denied request.
	RetryAfter time.Duration
	Category   Category
	Count      int64
	Limit      int64
	Violations int64
}

// Limiter enforces per-IP, per-category request budgets with progressive
// penalty delays for repeat offenders. All state lives in the store.
type Limiter struct {
	store  storage.KeyValueStore
	codec  *storage.Codec
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Limiter backed by store. codec may be nil.
func New(store storage.KeyValueStore, codec *storage.Codec, cfg Config) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("ratelimit: store is required")
	}
	cfg.applyDefaults()

	l := &Limiter{
		store:  store,
		codec:  codec,
		cfg:    cfg,
		logger: cfg.Logger,
	}
	if cfg.Instrumentation != nil {
		l.tracer = cfg.Instrumentation.Tracer("ratelimit")
	}
	return l, nil
}

// Budget returns the configured budget for c, falling back to the global budget.
func (l *Limiter) Budget(c Category) Budget {
	if b, ok := l.cfg.Budgets[c]; ok {
		return b
	}
	return l.cfg.Budgets[CategoryGlobal]
}

// ProgressiveDelay returns min(base * multiplier^(violations-1), maxDelay).
// It is zero for fewer than one violation.
func ProgressiveDelay(violations int64, base time.Duration, multiplier float64, maxDelay time.Duration) time.Duration {
	if violations < 1 {
		return 0
	}
	secs := base.Seconds() * math.Pow(multiplier, float64(violations-1))
	if math.IsInf(secs, 0) || math.IsNaN(secs) || secs >= maxDelay.Seconds() {
		return maxDelay
	}
	return time.Duration(secs * float64(time.Second))
}

// Delay is ProgressiveDelay with the configured parameters.
func (l *Limiter) Delay(violations int64) time.Duration {
	return ProgressiveDelay(violations, l.cfg.BaseDelay, l.cfg.Multiplier, l.cfg.MaxDelay)
}

// Check counts a request from r against category. A denied request has
// already waited out its penalty delay unless r's context was canceled, in
// which case the context error is returned with the denial.
// Store faults are returned as errors and must be treated as a denial.
func (l *Limiter) Check(r *http.Request, category Category, clientID, userID string) (Decision, error) {
	ctx, span := instrumentation.StartSpan(r.Context(), l.tracer, "ratelimit.check",
		attribute.String(instrumentation.AttrRateLimitCategory, string(category)))
	defer span.End()

	ip := l.cfg.IPResolver.ClientIP(r)
	budget := l.Budget(category)
	d := Decision{Category: category}

	blocked, until, err := l.blockedUntil(ctx, ip)
	if err != nil {
		instrumentation.RecordError(span, err)
		return d, err
	}
	if blocked {
		d.Blocked = true
		d.RetryAfter = until.Sub(l.cfg.Now())
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrRateLimitAllowed, false))
		return d, nil
	}

	d.Limit, err = l.effectiveLimit(ctx, ip, budget.Requests)
	if err != nil {
		instrumentation.RecordError(span, err)
		return d, err
	}

	d.Count, err = l.store.IncrementWithTTL(ctx, windowKey(ip, category), budget.Window)
	if err != nil {
		instrumentation.RecordError(span, err)
		return d, fmt.Errorf("failed to count request: %w", err)
	}

	if d.Count <= d.Limit {
		d.Allowed = true
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrRateLimitAllowed, true))
		return d, nil
	}

	d.Violations, err = l.store.IncrementWithTTL(ctx, violationKey(ip, category), l.cfg.ViolationTTL)
	if err != nil {
		instrumentation.RecordError(span, err)
		return d, fmt.Errorf("failed to count violation: %w", err)
	}
	d.RetryAfter = l.Delay(d.Violations)

	instrumentation.SetSpanAttributes(span,
		attribute.Bool(instrumentation.AttrRateLimitAllowed, false),
		attribute.Int64(instrumentation.AttrRateLimitViolations, d.Violations),
	)
	if l.cfg.Instrumentation != nil {
		l.cfg.Instrumentation.Metrics().RecordRateLimitDenied(ctx, string(category), d.RetryAfter.Seconds())
	}
	l.cfg.Auditor.LogRateLimitExceeded(ctx, ip, string(category), d.Violations)
	l.logger.Warn("Rate limit exceeded",
		"category", category,
		"count", d.Count,
		"limit", d.Limit,
		"violations", d.Violations,
		"delay", d.RetryAfter,
		"client_id", clientID,
		"has_user", userID != "")

	if err := l.cfg.Wait(ctx, d.RetryAfter); err != nil {
		return d, err
	}
	return d, nil
}

func (l *Limiter) blockedUntil(ctx context.Context, ip string) (bool, time.Time, error) {
	rec, err := storage.GetRecord[blockRecord](ctx, l.store, l.codec, blockKey(ip), kindBlock)
	if errors.Is(err, storage.ErrNotFound) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to read ip block: %w", err)
	}
	if !rec.Until.After(l.cfg.Now()) {
		return false, time.Time{}, nil
	}
	return true, rec.Until, nil
}

func (l *Limiter) effectiveLimit(ctx context.Context, ip string, requests int64) (int64, error) {
	factor, err := l.Strictness(ctx, ip)
	if err != nil {
		return 0, err
	}
	if factor <= 1 {
		return requests, nil
	}
	return max(1, int64(float64(requests)/factor)), nil
}

// BlockIP denies every request from ip for ttl.
func (l *Limiter) BlockIP(ctx context.Context, ip, reason string, ttl time.Duration) error {
	if ip == "" || ttl <= 0 {
		return nil
	}
	rec := blockRecord{Reason: reason, Until: l.cfg.Now().Add(ttl)}
	if err := storage.PutRecord(ctx, l.store, l.codec, blockKey(ip), kindBlock, rec, ttl); err != nil {
		return fmt.Errorf("failed to block ip: %w", err)
	}
	l.cfg.Auditor.LogIPBlocked(ctx, ip, reason, ttl)
	return nil
}

// IsBlocked reports whether ip is currently blocked.
func (l *Limiter) IsBlocked(ctx context.Context, ip string) (bool, error) {
	blocked, _, err := l.blockedUntil(ctx, ip)
	return blocked, err
}

// Unblock lifts a block on ip.
func (l *Limiter) Unblock(ctx context.Context, ip string) error {
	return l.store.Delete(ctx, blockKey(ip))
}

// RaiseStrictness divides every budget for ip by factor for ttl.
// A stricter factor already in place is kept.
func (l *Limiter) RaiseStrictness(ctx context.Context, ip string, factor float64, ttl time.Duration) error {
	if ip == "" || factor <= 1 || ttl <= 0 {
		return nil
	}
	current, err := l.Strictness(ctx, ip)
	if err != nil {
		return err
	}
	if current >= factor {
		return nil
	}
	rec := strictnessRecord{Factor: factor, Until: l.cfg.Now().Add(ttl)}
	if err := storage.PutRecord(ctx, l.store, l.codec, strictKey(ip), kindStrictness, rec, ttl); err != nil {
		return fmt.Errorf("failed to raise strictness: %w", err)
	}
	l.logger.Info("Raised rate limit strictness", "factor", factor, "ttl", ttl)
	return nil
}

// Strictness returns the budget divisor for ip, 1 when none is set.
func (l *Limiter) Strictness(ctx context.Context, ip string) (float64, error) {
	rec, err := storage.GetRecord[strictnessRecord](ctx, l.store, l.codec, strictKey(ip), kindStrictness)
	if errors.Is(err, storage.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read strictness: %w", err)
	}
	if !rec.Until.After(l.cfg.Now()) || rec.Factor < 1 {
		return 1, nil
	}
	return rec.Factor, nil
}

// Reset clears the window and violation counters of ip for category.
func (l *Limiter) Reset(ctx context.Context, ip string, category Category) error {
	return l.store.Delete(ctx, windowKey(ip, category), violationKey(ip, category))
}
