package threat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-guard/instrumentation"
	"github.com/giantswarm/oauth-guard/internal/util"
	"github.com/giantswarm/oauth-guard/security"
	"github.com/giantswarm/oauth-guard/storage"
)

// ErrNoStore is returned by New without a store.
var ErrNoStore = errors.New("threat: store is required")

// Monitor scores security events, runs pattern detectors, raises alerts and
// applies containment. Its shared state lives in the store, so any number of
// monitors may run against the same backend.
type Monitor struct {
	store  storage.KeyValueStore
	codec  *storage.Codec
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Monitor backed by store.
func New(store storage.KeyValueStore, cfg Config) (*Monitor, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	cfg.applyDefaults()

	m := &Monitor{
		store:  store,
		codec:  cfg.Codec,
		cfg:    cfg,
		logger: cfg.Logger,
	}
	if cfg.Instrumentation != nil {
		m.tracer = cfg.Instrumentation.Tracer("threat")
	}
	return m, nil
}

func (m *Monitor) metrics() *instrumentation.Metrics {
	if m.cfg.Instrumentation == nil {
		return nil
	}
	return m.cfg.Instrumentation.Metrics()
}

// ProcessEvent scores and records an event observed on r, then runs the
// detectors and, for high and critical events, containment. Only a failure to
// persist the event is returned; detector and containment faults are logged.
func (m *Monitor) ProcessEvent(r *http.Request, in EventInput) (*SecurityEvent, error) {
	ctx, span := instrumentation.StartSpan(r.Context(), m.tracer, "threat.process_event",
		attribute.String(instrumentation.AttrThreatEventType, string(in.Type)))
	defer span.End()

	now := m.cfg.Now()
	ip := m.cfg.IPResolver.ClientIP(r)

	ev := &SecurityEvent{
		ID:          uuid.NewString(),
		Type:        in.Type,
		ClientIP:    ip,
		UserAgent:   util.SafeTruncate(r.UserAgent(), 512),
		ClientID:    in.ClientID,
		UserID:      in.UserID,
		SessionID:   in.SessionID,
		RequestID:   security.GetRequestID(ctx),
		Description: in.Description,
		Details:     in.Details,
		Path:        r.URL.Path,
		Method:      r.Method,
		Timestamp:   now,
	}
	if ev.SessionID == "" {
		ev.SessionID = security.GetSessionID(ctx)
	}
	if loc, err := m.cfg.Locator.Locate(ctx, r, ip); err != nil {
		m.logger.Debug("Geo lookup failed for security event", "error", err)
	} else {
		ev.Country = loc.Country
	}

	hist := m.loadHistory(ctx, ip)
	ev.RiskScore = m.score(ctx, ev, hist)
	ev.Level = LevelFor(ev.RiskScore)

	m.recordHistory(ctx, ip, hist, historyEntry{Type: ev.Type, ClientID: ev.ClientID, At: now})

	fired := m.runDetectors(ctx, ev, hist)
	if ev.Level.Severe() {
		ev.Actions = append(ev.Actions, m.contain(ctx, ev)...)
	}
	for _, a := range fired {
		if a.Type == AlertBruteForce {
			ev.Actions = append(ev.Actions, m.throttle(ctx, ev)...)
		}
	}

	if err := storage.PutRecord(ctx, m.store, m.codec, eventKey(ev.ID), kindEvent, ev, m.cfg.EventTTL); err != nil {
		instrumentation.RecordError(span, err)
		return ev, fmt.Errorf("failed to store security event: %w", err)
	}
	m.bump(ctx, statEvents)
	m.bump(ctx, statEvents+":"+string(ev.Level))

	for _, ai := range fired {
		ai.Events = append(ai.Events, ev.ID)
		ai.Actions = append(ai.Actions, ev.Actions...)
		if _, err := m.GenerateAlert(ctx, ai); err != nil {
			m.logger.Error("Failed to generate alert", "error", err, "alert_type", ai.Type)
		}
	}

	if mt := m.metrics(); mt != nil {
		mt.RecordThreatEvent(ctx, string(ev.Type), string(ev.Level))
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrThreatLevel, string(ev.Level)),
		attribute.Float64(instrumentation.AttrThreatRiskScore, ev.RiskScore),
	)
	m.logger.Info("Security event recorded",
		"event_id", ev.ID,
		"type", ev.Type,
		"level", ev.Level,
		"risk", ev.RiskScore,
		"path", ev.Path)

	instrumentation.SetSpanSuccess(span)
	return ev, nil
}

// score combines the base weight of the event type with reputation, user
// agent and recency bonuses, clamped to [0, 1].
func (m *Monitor) score(ctx context.Context, ev *SecurityEvent, hist *history) float64 {
	score, ok := m.cfg.EventWeights[ev.Type]
	if !ok {
		score = defaultEventWeight
	}
	return clamp(score +
		m.ipReputationBonus(ctx, ev.ClientIP, hist) +
		m.userAgentBonus(ev.UserAgent) +
		m.clientReputationBonus(ctx, ev.ClientID) +
		m.recencyBonus(ev, hist))
}

func (m *Monitor) ipReputationBonus(ctx context.Context, ip string, hist *history) float64 {
	var bonus float64

	flagged, err := m.IsIPFlagged(ctx, ip)
	if err != nil {
		m.logger.Debug("Failed to read ip indicator", "error", err)
	}
	if flagged {
		bonus += 0.3
	}

	switch recent := len(hist.within(m.cfg.Now().Add(-m.cfg.Window), "")); {
	case recent >= 20:
		bonus += 0.2
	case recent >= 5:
		bonus += 0.1
	}

	if util.ClassifyAddress(ip) != util.IPClassificationPublic {
		bonus += 0.1
	}
	return bonus
}

func (m *Monitor) userAgentBonus(ua string) float64 {
	if ua == "" {
		return 0.2
	}
	if _, ok := util.ContainsAnyFold(ua, m.cfg.SuspiciousUserAgents); ok {
		return 0.3
	}
	return 0
}

func (m *Monitor) clientReputationBonus(ctx context.Context, clientID string) float64 {
	flagged, err := m.IsClientFlagged(ctx, clientID)
	if err != nil {
		m.logger.Debug("Failed to read client indicator", "error", err)
	}
	if flagged {
		return 0.2
	}
	return 0
}

func (m *Monitor) recencyBonus(ev *SecurityEvent, hist *history) float64 {
	last, ok := hist.last()
	if ok && ev.Timestamp.Sub(last.At) < m.cfg.RecentActivity {
		return 0.1
	}
	return 0
}

// contain blocks and flags the source of a high or critical event.
func (m *Monitor) contain(ctx context.Context, ev *SecurityEvent) []string {
	var actions []string
	reason := string(ev.Type)

	if m.cfg.Containment != nil {
		if err := m.cfg.Containment.BlockIP(ctx, ev.ClientIP, reason, m.cfg.BlockDuration); err != nil {
			m.logger.Error("Failed to block ip", "error", err)
		} else {
			actions = append(actions, ActionIPBlocked)
			m.bump(ctx, statBlocks)
			m.recordAction(ctx, ActionIPBlocked)
		}
	}

	if err := m.FlagIP(ctx, ev.ClientIP, reason); err != nil {
		m.logger.Error("Failed to flag ip", "error", err)
	} else {
		actions = append(actions, ActionIPFlagged)
		m.recordAction(ctx, ActionIPFlagged)
	}

	if ev.ClientID != "" {
		if err := m.FlagClient(ctx, ev.ClientID, reason); err != nil {
			m.logger.Error("Failed to flag client", "error", err)
		} else {
			actions = append(actions, ActionClientFlagged)
			m.recordAction(ctx, ActionClientFlagged)
		}
	}
	return actions
}

// throttle raises rate limit strictness for a brute forcing IP.
func (m *Monitor) throttle(ctx context.Context, ev *SecurityEvent) []string {
	if m.cfg.Containment == nil {
		return nil
	}
	if err := m.cfg.Containment.RaiseStrictness(ctx, ev.ClientIP, m.cfg.StrictnessFactor, m.cfg.StrictnessTTL); err != nil {
		m.logger.Error("Failed to raise rate limit strictness", "error", err)
		return nil
	}
	m.recordAction(ctx, ActionStrictnessRaised)
	m.cfg.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventStrictnessRaised,
		IPAddress: ev.ClientIP,
		Details:   map[string]any{"factor": m.cfg.StrictnessFactor},
	})
	return []string{ActionStrictnessRaised}
}

func (m *Monitor) recordAction(ctx context.Context, action string) {
	if mt := m.metrics(); mt != nil {
		mt.RecordContainmentAction(ctx, action)
	}
}

// GenerateAlert stores and delivers an alert unless one with the same
// severity and title was raised within the cooldown. A suppressed alert is
// returned with Suppressed set. Delivery failures are logged, not returned.
func (m *Monitor) GenerateAlert(ctx context.Context, in AlertInput) (*SecurityAlert, error) {
	if in.Title == "" {
		in.Title = string(in.Type)
	}
	alert := &SecurityAlert{
		ID:         uuid.NewString(),
		Type:       in.Type,
		Severity:   in.Severity,
		Title:      in.Title,
		Message:    in.Message,
		Events:     in.Events,
		IncidentID: in.IncidentID,
		Actions:    in.Actions,
		Details:    in.Details,
		CreatedAt:  m.cfg.Now(),
	}

	acquired, err := m.store.SetNX(ctx, cooldownKey(in.Severity, in.Title), []byte(alert.ID), m.cfg.AlertCooldown)
	if err != nil {
		return nil, fmt.Errorf("failed to check alert cooldown: %w", err)
	}
	if !acquired {
		alert.Suppressed = true
		m.bump(ctx, statAlertsSuppressed)
		if mt := m.metrics(); mt != nil {
			mt.RecordThreatAlert(ctx, string(alert.Type), string(alert.Severity), true)
		}
		m.logger.Debug("Alert suppressed by cooldown", "alert_type", alert.Type, "severity", alert.Severity)
		return alert, nil
	}

	if err := storage.PutRecord(ctx, m.store, m.codec, alertKey(alert.ID), kindAlert, alert, m.cfg.AlertTTL); err != nil {
		return nil, fmt.Errorf("failed to store alert: %w", err)
	}
	m.bump(ctx, statAlerts)
	if mt := m.metrics(); mt != nil {
		mt.RecordThreatAlert(ctx, string(alert.Type), string(alert.Severity), false)
	}

	if err := m.cfg.Notifier.Notify(ctx, alert); err != nil {
		m.logger.Error("Failed to deliver alert", "error", err, "alert_id", alert.ID)
	}
	return alert, nil
}

// GetEvent loads a stored event.
func (m *Monitor) GetEvent(ctx context.Context, id string) (*SecurityEvent, error) {
	return storage.GetRecord[SecurityEvent](ctx, m.store, m.codec, eventKey(id), kindEvent)
}

// GetAlert loads a stored alert.
func (m *Monitor) GetAlert(ctx context.Context, id string) (*SecurityAlert, error) {
	return storage.GetRecord[SecurityAlert](ctx, m.store, m.codec, alertKey(id), kindAlert)
}

// Alert implements security.Alerter so the other guards can raise alerts
// through the monitor's cooldown and notifier.
func (m *Monitor) Alert(ctx context.Context, a security.Alert) error {
	details := make(map[string]any, len(a.Details)+1)
	for k, v := range a.Details {
		details[k] = v
	}
	if a.SessionID != "" {
		details["session_id_hash"] = security.HashForLogging(a.SessionID)
	}
	_, err := m.GenerateAlert(ctx, AlertInput{
		Type:     AlertType(a.Type),
		Severity: Severity(a.Severity),
		Title:    a.Title,
		Message:  a.Message,
		Details:  details,
	})
	return err
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
