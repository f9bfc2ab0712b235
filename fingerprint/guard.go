package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-guard/instrumentation"
	"github.com/giantswarm/oauth-guard/security"
	"github.com/giantswarm/oauth-guard/storage"
)

// ErrMissingSecret is returned by New without Config.Secret.
var ErrMissingSecret = errors.New("fingerprint secret is required")

// Guard builds session fingerprints and detects session hijacking.
type Guard struct {
	store  storage.KeyValueStore
	codec  *storage.Codec
	cfg    Config
	hasher *security.KeyedHash
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New creates a fingerprint guard backed by store.
func New(store storage.KeyValueStore, cfg Config) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("fingerprint: store is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, ErrMissingSecret
	}
	cfg.applyDefaults()

	key, err := security.DeriveKey(cfg.Secret, security.PurposeFingerprint)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}

	g := &Guard{
		store:  store,
		codec:  cfg.Codec,
		cfg:    cfg,
		hasher: security.NewKeyedHash(key),
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	if cfg.Instrumentation != nil {
		g.tracer = cfg.Instrumentation.Tracer("fingerprint")
	}
	return g, nil
}

// Config returns the effective configuration.
func (g *Guard) Config() Config {
	return g.cfg
}

// Similarity compares two fingerprints with the configured weights.
func (g *Guard) Similarity(a, b *Fingerprint) float64 {
	return WeightedSimilarity(a, b, g.cfg.Weights)
}

// build computes the fingerprint of r without persisting it.
func (g *Guard) build(ctx context.Context, r *http.Request, sessionID, userID string) *Fingerprint {
	now := g.now()
	ip := g.cfg.IPResolver.ClientIP(r)
	ua := r.UserAgent()

	fp := &Fingerprint{
		SessionID:        sessionID,
		UserID:           userID,
		IPHash:           g.hasher.Sum("ip", ip),
		UserAgentHash:    g.hasher.Sum("ua", ua),
		UserAgentTokens:  tokenizeUserAgent(ua),
		AcceptLanguage:   headerValue(r.Header.Get("Accept-Language")),
		AcceptEncoding:   headerValue(r.Header.Get("Accept-Encoding")),
		Timezone:         headerValue(r.Header.Get(HeaderTimezone)),
		ScreenResolution: headerValue(r.Header.Get(HeaderScreenResolution)),
		ColorDepth:       headerValue(r.Header.Get(HeaderColorDepth)),
		CreatedAt:        now,
		LastSeenAt:       now,
	}

	loc, err := g.cfg.Locator.Locate(ctx, r, ip)
	if err != nil {
		g.logger.Debug("Geo lookup failed, continuing without location", "error", err)
	} else {
		fp.Geo = loc
	}

	fp.Hash = g.hasher.Sum(fp.compositeFields(g.cfg.Weights)...)
	fp.Confidence = fp.confidence(g.cfg.Weights)
	return fp
}

// Create builds and stores the fingerprint of record for sessionID.
func (g *Guard) Create(r *http.Request, sessionID, userID string) (*Fingerprint, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("fingerprint: session id is required")
	}
	ctx, span := instrumentation.StartSpan(r.Context(), g.tracer, "fingerprint.create")
	defer span.End()

	fp := g.build(ctx, r, sessionID, userID)
	if err := storage.PutRecord(ctx, g.store, g.codec, fingerprintKey(sessionID), kindFingerprint, fp, g.cfg.TTL); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to store fingerprint: %w", err)
	}

	instrumentation.SetSpanSuccess(span)
	return fp, nil
}

// Get returns the stored fingerprint for sessionID.
func (g *Guard) Get(ctx context.Context, sessionID string) (*Fingerprint, error) {
	return storage.GetRecord[Fingerprint](ctx, g.store, g.codec, fingerprintKey(sessionID), kindFingerprint)
}

// Validate compares r against the stored fingerprint of sessionID.
// A session seen for the first time gets a fingerprint and is valid.
// Errors are returned only when the stored state cannot be read or written.
func (g *Guard) Validate(r *http.Request, sessionID, userID string) (*Result, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("fingerprint: session id is required")
	}
	ctx, span := instrumentation.StartSpan(r.Context(), g.tracer, "fingerprint.validate")
	defer span.End()

	stored, err := g.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		fp, err := g.Create(r.WithContext(ctx), sessionID, userID)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrSessionFirstSeen, true))
		return &Result{Valid: true, State: StateTrusted, FirstSeen: true, Fingerprint: fp}, nil
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to load fingerprint: %w", err)
	}

	current := g.build(ctx, r, sessionID, userID)
	anomalies := g.detect(ctx, stored, current)

	risk := OverallRisk(anomalies)
	res := &Result{
		Valid:       risk < g.cfg.RiskThreshold,
		Risk:        risk,
		Anomalies:   anomalies,
		State:       classify(risk, g.cfg.RiskThreshold, anomalies),
		Fingerprint: stored,
	}

	instrumentation.SetSpanAttributes(span,
		attribute.Float64(instrumentation.AttrSessionRisk, risk),
		attribute.String(instrumentation.AttrSessionState, string(res.State)),
		attribute.Int(instrumentation.AttrSessionAnomalies, len(anomalies)),
	)
	g.record(ctx, res)

	ip := g.cfg.IPResolver.ClientIP(r)
	if len(anomalies) > 0 {
		g.logger.Info("Session anomalies detected",
			"session_id_hash", security.HashForLogging(sessionID),
			"risk", risk,
			"state", res.State,
			"anomalies", len(anomalies))
	}
	g.raiseAlerts(ctx, sessionID, userID, ip, anomalies)

	switch {
	case res.State == StateInvalidated:
		if err := g.store.Delete(ctx, sessionKeys(sessionID)...); err != nil {
			g.logger.Error("Failed to delete invalidated fingerprint", "error", err)
		}
		g.cfg.Auditor.LogSessionInvalidated(ctx, sessionID, userID, ip, risk)
	case res.Valid:
		stored.LastSeenAt = g.now()
		if err := storage.PutRecord(ctx, g.store, g.codec, fingerprintKey(sessionID), kindFingerprint, stored, g.cfg.TTL); err != nil {
			g.logger.Warn("Failed to touch fingerprint", "error", err)
		}
	}

	instrumentation.SetSpanSuccess(span)
	return res, nil
}

func (g *Guard) record(ctx context.Context, res *Result) {
	if g.cfg.Instrumentation == nil {
		return
	}
	m := g.cfg.Instrumentation.Metrics()
	if m == nil {
		return
	}
	for _, a := range res.Anomalies {
		m.RecordSessionAnomaly(ctx, string(a.Type), string(a.Severity))
	}
	m.RecordSessionRisk(ctx, res.Risk, res.Valid)
}

// raiseAlerts forwards high and critical anomalies to the alerter.
// Delivery failures are logged and ignored.
func (g *Guard) raiseAlerts(ctx context.Context, sessionID, userID, ip string, anomalies []Anomaly) {
	if g.cfg.Alerter == nil {
		return
	}
	for _, a := range anomalies {
		if a.Severity.rank() < SeverityHigh.rank() {
			continue
		}
		err := g.cfg.Alerter.Alert(ctx, security.Alert{
			Type:      "session_" + string(a.Type),
			Severity:  string(a.Severity),
			Title:     fmt.Sprintf("Session anomaly: %s", a.Type),
			Message:   a.Description,
			IPAddress: ip,
			SessionID: sessionID,
			UserID:    userID,
			Details: map[string]any{
				"risk":       a.Risk,
				"confidence": a.Confidence,
			},
		})
		if err != nil {
			g.logger.Warn("Failed to raise session anomaly alert", "error", err, "anomaly", a.Type)
		}
	}
}

// Regenerate binds a fresh fingerprint to newSessionID and removes all
// stored state for oldSessionID. Call it whenever a session id is reissued.
func (g *Guard) Regenerate(r *http.Request, oldSessionID, newSessionID, userID string) (*Fingerprint, error) {
	fp, err := g.Create(r, newSessionID, userID)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()
	if oldSessionID != "" && oldSessionID != newSessionID {
		if err := g.Invalidate(ctx, oldSessionID); err != nil {
			return fp, err
		}
	}
	g.cfg.Auditor.LogSessionRegenerated(ctx, oldSessionID, newSessionID, userID, g.cfg.IPResolver.ClientIP(r))
	return fp, nil
}

// Invalidate removes the fingerprint and change counters of sessionID.
func (g *Guard) Invalidate(ctx context.Context, sessionID string) error {
	if err := g.store.Delete(ctx, sessionKeys(sessionID)...); err != nil {
		return fmt.Errorf("failed to invalidate fingerprint: %w", err)
	}
	return nil
}
