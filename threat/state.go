package threat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/oauth-guard/security"
	"github.com/giantswarm/oauth-guard/storage"
)

const (
	eventKeyPrefix        = "security:event:"
	alertKeyPrefix        = "security:alert:"
	cooldownKeyPrefix     = "security:alert:cooldown:"
	historyKeyPrefix      = "threat:history:ip:"
	userGeoKeyPrefix      = "threat:history:user:"
	ipIndicatorPrefix     = "threat:indicator:ip:"
	clientIndicatorPrefix = "threat:indicator:client:"
	statsKeyPrefix        = "security:stats:"

	kindEvent     = "security_event"
	kindAlert     = "security_alert"
	kindHistory   = "threat_history"
	kindUserGeo   = "threat_user_geo"
	kindIndicator = "threat_indicator"
)

// Stats counter names.
const (
	statEvents           = "events"
	statAlerts           = "alerts"
	statAlertsSuppressed = "alerts_suppressed"
	statBlocks           = "blocks"
)

func eventKey(id string) string           { return eventKeyPrefix + id }
func alertKey(id string) string           { return alertKeyPrefix + id }
func historyKey(ip string) string         { return historyKeyPrefix + ip }
func userGeoKey(userID string) string     { return userGeoKeyPrefix + userID + ":countries" }
func ipIndicatorKey(ip string) string     { return ipIndicatorPrefix + ip }
func clientIndicatorKey(id string) string { return clientIndicatorPrefix + id }
func statsKey(name string) string         { return statsKeyPrefix + name }

func cooldownKey(s Severity, title string) string {
	return cooldownKeyPrefix + string(s) + ":" + security.HashForLogging(title)
}

// historyEntry is the per-IP trace detectors work from.
type historyEntry struct {
	Type     EventType `json:"type"`
	ClientID string    `json:"client_id,omitempty"`
	At       time.Time `json:"at"`
}

type history struct {
	Entries []historyEntry `json:"entries"`
}

// within returns entries of type t (any type when empty) no older than cutoff.
func (h *history) within(cutoff time.Time, t EventType) []historyEntry {
	var out []historyEntry
	for _, e := range h.Entries {
		if e.At.Before(cutoff) {
			continue
		}
		if t == "" || e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (h *history) last() (historyEntry, bool) {
	if len(h.Entries) == 0 {
		return historyEntry{}, false
	}
	return h.Entries[len(h.Entries)-1], true
}

// prune drops entries older than cutoff and keeps at most limit of the newest.
func (h *history) prune(cutoff time.Time, limit int) {
	kept := h.Entries[:0]
	for _, e := range h.Entries {
		if !e.At.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	h.Entries = kept
}

type userGeo struct {
	Countries map[string]time.Time `json:"countries"`
}

type indicator struct {
	Reason string    `json:"reason"`
	SetAt  time.Time `json:"set_at"`
}

// loadHistory returns the IP history, empty when absent or unreadable.
func (m *Monitor) loadHistory(ctx context.Context, ip string) *history {
	h, err := storage.GetRecord[history](ctx, m.store, m.codec, historyKey(ip), kindHistory)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("Failed to load threat history", "error", err)
		}
		return &history{}
	}
	return h
}

// recordHistory appends e to the IP history. Concurrent writers for the same
// IP may drop an entry; detectors tolerate the undercount.
func (m *Monitor) recordHistory(ctx context.Context, ip string, h *history, e historyEntry) {
	h.Entries = append(h.Entries, e)
	h.prune(e.At.Add(-m.cfg.Window), m.cfg.MaxHistory)
	if err := storage.PutRecord(ctx, m.store, m.codec, historyKey(ip), kindHistory, h, m.cfg.Window); err != nil {
		m.logger.Warn("Failed to store threat history", "error", err)
	}
}

// FlagIP adds ip to the shared threat indicator set.
func (m *Monitor) FlagIP(ctx context.Context, ip, reason string) error {
	return m.setIndicator(ctx, ipIndicatorKey(ip), reason)
}

// FlagClient adds a client id to the shared threat indicator set.
func (m *Monitor) FlagClient(ctx context.Context, clientID, reason string) error {
	return m.setIndicator(ctx, clientIndicatorKey(clientID), reason)
}

func (m *Monitor) setIndicator(ctx context.Context, key, reason string) error {
	rec := indicator{Reason: reason, SetAt: m.cfg.Now()}
	if err := storage.PutRecord(ctx, m.store, m.codec, key, kindIndicator, rec, m.cfg.IndicatorTTL); err != nil {
		return fmt.Errorf("failed to set threat indicator: %w", err)
	}
	m.cfg.Auditor.LogEvent(ctx, security.Event{
		Type:    security.EventThreatIndicatorSet,
		Details: map[string]any{"reason": reason},
	})
	return nil
}

// IsIPFlagged reports whether ip is in the threat indicator set.
func (m *Monitor) IsIPFlagged(ctx context.Context, ip string) (bool, error) {
	return m.hasIndicator(ctx, ipIndicatorKey(ip))
}

// IsClientFlagged reports whether clientID is in the threat indicator set.
func (m *Monitor) IsClientFlagged(ctx context.Context, clientID string) (bool, error) {
	if clientID == "" {
		return false, nil
	}
	return m.hasIndicator(ctx, clientIndicatorKey(clientID))
}

func (m *Monitor) hasIndicator(ctx context.Context, key string) (bool, error) {
	_, err := m.store.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	}
	return false, err
}

func (m *Monitor) bump(ctx context.Context, name string) {
	if _, err := m.store.Increment(ctx, statsKey(name)); err != nil {
		m.logger.Debug("Failed to update threat stats", "stat", name, "error", err)
	}
}

// Stats is a snapshot of the shared threat counters.
type Stats struct {
	Events           int64
	EventsByLevel    map[Level]int64
	Alerts           int64
	AlertsSuppressed int64
	Blocks           int64
}

// Stats reads the counters shared by every monitor using the same store.
func (m *Monitor) Stats(ctx context.Context) (Stats, error) {
	s := Stats{EventsByLevel: map[Level]int64{}}
	var err error
	if s.Events, err = m.counter(ctx, statEvents); err != nil {
		return s, err
	}
	for _, l := range []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical} {
		n, err := m.counter(ctx, statEvents+":"+string(l))
		if err != nil {
			return s, err
		}
		s.EventsByLevel[l] = n
	}
	if s.Alerts, err = m.counter(ctx, statAlerts); err != nil {
		return s, err
	}
	if s.AlertsSuppressed, err = m.counter(ctx, statAlertsSuppressed); err != nil {
		return s, err
	}
	if s.Blocks, err = m.counter(ctx, statBlocks); err != nil {
		return s, err
	}
	return s, nil
}

func (m *Monitor) counter(ctx context.Context, name string) (int64, error) {
	raw, err := m.store.Get(ctx, statsKey(name))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", name, err)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", storage.ErrNotInteger, name)
	}
	return n, nil
}
