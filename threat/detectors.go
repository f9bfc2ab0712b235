package threat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/giantswarm/oauth-guard/internal/util"
	"github.com/giantswarm/oauth-guard/storage"
)

// detector inspects an event and its IP history and returns an alert to raise, if any.
type detector struct {
	name string
	run  func(ctx context.Context, ev *SecurityEvent, hist *history) (*AlertInput, error)
}

func (m *Monitor) detectors() []detector {
	return []detector{
		{"brute_force", m.detectBruteForce},
		{"credential_stuffing", m.detectCredentialStuffing},
		{"suspicious_user_agent", m.detectSuspiciousUserAgent},
		{"geographic_anomaly", m.detectGeographicAnomaly},
		{"rate_abuse", m.detectRateAbuse},
		{"parameter_manipulation", m.detectParameterManipulation},
	}
}

// runDetectors returns the alerts fired for ev. Detector faults are logged and skipped.
func (m *Monitor) runDetectors(ctx context.Context, ev *SecurityEvent, hist *history) []AlertInput {
	var fired []AlertInput
	for _, d := range m.detectors() {
		alert, err := m.safeRun(ctx, d, ev, hist)
		if err != nil {
			m.logger.Warn("Threat detector failed", "detector", d.name, "error", err)
			continue
		}
		if alert != nil {
			fired = append(fired, *alert)
		}
	}
	return fired
}

func (m *Monitor) safeRun(ctx context.Context, d detector, ev *SecurityEvent, hist *history) (alert *AlertInput, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("detector panic: %v", p)
		}
	}()
	return d.run(ctx, ev, hist)
}

func (m *Monitor) detectBruteForce(_ context.Context, ev *SecurityEvent, hist *history) (*AlertInput, error) {
	if ev.Type != EventFailedAuthentication {
		return nil, nil
	}
	n := len(hist.within(ev.Timestamp.Add(-m.cfg.Window), EventFailedAuthentication))
	if n < m.cfg.BruteForceThreshold {
		return nil, nil
	}
	return &AlertInput{
		Type:     AlertBruteForce,
		Severity: SeverityHigh,
		Title:    "Brute force attack from " + ev.ClientIP,
		Message:  fmt.Sprintf("%d failed authentications from %s within %s", n, ev.ClientIP, m.cfg.Window),
		Details:  map[string]any{"client_ip": ev.ClientIP, "failed_attempts": n},
	}, nil
}

func (m *Monitor) detectCredentialStuffing(_ context.Context, ev *SecurityEvent, hist *history) (*AlertInput, error) {
	if ev.Type != EventFailedAuthentication || ev.ClientID == "" {
		return nil, nil
	}
	clients := map[string]struct{}{}
	for _, e := range hist.within(ev.Timestamp.Add(-m.cfg.Window), EventFailedAuthentication) {
		if e.ClientID != "" {
			clients[e.ClientID] = struct{}{}
		}
	}
	if len(clients) < m.cfg.CredentialStuffingThreshold {
		return nil, nil
	}
	return &AlertInput{
		Type:     AlertCredentialStuffing,
		Severity: SeverityHigh,
		Title:    "Credential stuffing from " + ev.ClientIP,
		Message:  fmt.Sprintf("%d distinct clients targeted from %s within %s", len(clients), ev.ClientIP, m.cfg.Window),
		Details:  map[string]any{"client_ip": ev.ClientIP, "distinct_clients": len(clients)},
	}, nil
}

func (m *Monitor) detectSuspiciousUserAgent(_ context.Context, ev *SecurityEvent, _ *history) (*AlertInput, error) {
	match, ok := util.ContainsAnyFold(ev.UserAgent, m.cfg.SuspiciousUserAgents)
	if !ok {
		return nil, nil
	}
	return &AlertInput{
		Type:     AlertSuspiciousUserAgent,
		Severity: SeverityMedium,
		Title:    "Suspicious user agent " + match,
		Message:  fmt.Sprintf("request from %s with user agent matching %q", ev.ClientIP, match),
		Details:  map[string]any{"client_ip": ev.ClientIP, "pattern": match},
	}, nil
}

// detectGeographicAnomaly flags a user seen from a country outside their
// history. The first country seen for a user establishes the baseline.
func (m *Monitor) detectGeographicAnomaly(ctx context.Context, ev *SecurityEvent, _ *history) (*AlertInput, error) {
	if ev.UserID == "" || ev.Country == "" {
		return nil, nil
	}

	key := userGeoKey(ev.UserID)
	known, err := storage.GetRecord[userGeo](ctx, m.store, m.codec, key, kindUserGeo)
	if errors.Is(err, storage.ErrNotFound) {
		known = &userGeo{}
	} else if err != nil {
		return nil, err
	}
	if known.Countries == nil {
		known.Countries = map[string]time.Time{}
	}

	_, seen := known.Countries[ev.Country]
	baseline := len(known.Countries) == 0
	previous := sortedCountries(known.Countries)

	known.Countries[ev.Country] = ev.Timestamp
	if err := storage.PutRecord(ctx, m.store, m.codec, key, kindUserGeo, known, m.cfg.GeoHistoryTTL); err != nil {
		return nil, err
	}

	if seen || baseline {
		return nil, nil
	}
	return &AlertInput{
		Type:     AlertGeographicAnomaly,
		Severity: SeverityMedium,
		Title:    "Access from new country " + ev.Country,
		Message:  fmt.Sprintf("user seen from %s, previously from %s", ev.Country, strings.Join(previous, ", ")),
		Details:  map[string]any{"country": ev.Country, "known_countries": previous},
	}, nil
}

func sortedCountries(m map[string]time.Time) []string {
	out := make([]string, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (m *Monitor) detectRateAbuse(_ context.Context, ev *SecurityEvent, hist *history) (*AlertInput, error) {
	if ev.Type != EventRateLimitViolation {
		return nil, nil
	}
	n := len(hist.within(ev.Timestamp.Add(-m.cfg.Window), EventRateLimitViolation))
	if n < m.cfg.RateAbuseThreshold {
		return nil, nil
	}
	return &AlertInput{
		Type:     AlertRateAbuse,
		Severity: SeverityMedium,
		Title:    "Rate limit abuse from " + ev.ClientIP,
		Message:  fmt.Sprintf("%d rate limit violations from %s within %s", n, ev.ClientIP, m.cfg.Window),
		Details:  map[string]any{"client_ip": ev.ClientIP, "violations": n},
	}, nil
}

func (m *Monitor) detectParameterManipulation(_ context.Context, ev *SecurityEvent, _ *history) (*AlertInput, error) {
	for _, k := range sortedKeys(ev.Details) {
		s, ok := ev.Details[k].(string)
		if !ok {
			continue
		}
		if match, ok := util.ContainsAnyFold(s, m.cfg.InjectionPatterns); ok {
			return &AlertInput{
				Type:     AlertParameterManipulation,
				Severity: SeverityHigh,
				Title:    "Parameter manipulation from " + ev.ClientIP,
				Message:  fmt.Sprintf("parameter %q matched injection pattern %q", k, match),
				Details:  map[string]any{"client_ip": ev.ClientIP, "parameter": k, "pattern": match},
			}, nil
		}
	}
	return nil, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
