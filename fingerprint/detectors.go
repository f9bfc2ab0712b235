package fingerprint

import (
	"context"
	"fmt"
	"time"
)

// detect runs every detector comparing the stored fingerprint with the
// current one. Counter faults disable the affected detector only.
func (g *Guard) detect(ctx context.Context, stored, current *Fingerprint) []Anomaly {
	var anomalies []Anomaly
	for _, d := range []func(context.Context, *Fingerprint, *Fingerprint) *Anomaly{
		g.detectLocationChange,
		g.detectImpossibleTravel,
		g.detectUserAgentChange,
		g.detectIPChange,
		g.detectBehavior,
	} {
		if a := d(ctx, stored, current); a != nil {
			a.DetectedAt = current.LastSeenAt
			anomalies = append(anomalies, *a)
		}
	}
	return anomalies
}

func countryChanged(stored, current *Fingerprint) bool {
	return stored.Geo.Country != "" && current.Geo.Country != "" &&
		stored.Geo.Country != current.Geo.Country
}

// changeCount bumps a rolling-hour counter. ok is false when the store fails.
func (g *Guard) changeCount(ctx context.Context, key string) (int64, bool) {
	n, err := g.store.IncrementWithTTL(ctx, key, changeWindow)
	if err != nil {
		g.logger.Warn("Failed to update session change counter", "error", err)
		return 0, false
	}
	return n, true
}

func (g *Guard) detectLocationChange(ctx context.Context, stored, current *Fingerprint) *Anomaly {
	if !countryChanged(stored, current) {
		return nil
	}
	n, ok := g.changeCount(ctx, locationChangeKey(stored.SessionID))
	if !ok || n <= g.cfg.LocationChangeThreshold {
		return nil
	}
	return &Anomaly{
		Type:        AnomalyLocationChange,
		Severity:    SeverityHigh,
		Confidence:  0.8,
		Risk:        0.7,
		Description: fmt.Sprintf("country changed from %s to %s, %d changes in the last hour", stored.Geo.Country, current.Geo.Country, n),
	}
}

func (g *Guard) detectImpossibleTravel(_ context.Context, stored, current *Fingerprint) *Anomaly {
	if !countryChanged(stored, current) {
		return nil
	}
	elapsed := current.LastSeenAt.Sub(stored.LastSeenAt)
	if elapsed >= g.cfg.MinTravelInterval {
		return nil
	}
	return &Anomaly{
		Type:        AnomalyImpossibleTravel,
		Severity:    SeverityCritical,
		Confidence:  0.9,
		Risk:        0.9,
		Description: fmt.Sprintf("country changed from %s to %s within %s", stored.Geo.Country, current.Geo.Country, elapsed.Round(time.Second)),
	}
}

func (g *Guard) detectUserAgentChange(_ context.Context, stored, current *Fingerprint) *Anomaly {
	if stored.UserAgentHash == current.UserAgentHash {
		return nil
	}
	sim := TokenSimilarity(stored.UserAgentTokens, current.UserAgentTokens)
	if sim >= g.cfg.UASimilarityThreshold {
		return nil
	}
	return &Anomaly{
		Type:        AnomalyUserAgentChange,
		Severity:    SeverityMedium,
		Confidence:  0.7,
		Risk:        clamp(1 - sim),
		Description: fmt.Sprintf("user agent changed, similarity %.2f", sim),
	}
}

func (g *Guard) detectIPChange(ctx context.Context, stored, current *Fingerprint) *Anomaly {
	if stored.IPHash == current.IPHash {
		return nil
	}
	n, ok := g.changeCount(ctx, ipChangeKey(stored.SessionID))
	if !ok || n <= g.cfg.IPChangeThreshold {
		return nil
	}
	return &Anomaly{
		Type:        AnomalyIPChange,
		Severity:    SeverityHigh,
		Confidence:  0.7,
		Risk:        0.6,
		Description: fmt.Sprintf("%d IP address changes in the last hour", n),
	}
}

func (g *Guard) detectBehavior(_ context.Context, stored, current *Fingerprint) *Anomaly {
	sim := g.Similarity(stored, current)
	if sim >= g.cfg.BehaviorThreshold {
		return nil
	}
	return &Anomaly{
		Type:        AnomalyBehavioral,
		Severity:    SeverityHigh,
		Confidence:  0.8,
		Risk:        clamp(1 - sim),
		Description: fmt.Sprintf("fingerprint similarity %.2f", sim),
	}
}
