package fingerprint

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeUserAgent(t *testing.T) {
	got := tokenizeUserAgent("Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/125.0 Mozilla")
	assert.Equal(t, []string{"mozilla", "5.0", "x11", "linux", "x86_64", "gecko", "20100101", "firefox", "125.0"}, got)
	assert.Empty(t, tokenizeUserAgent(""))
}

func TestTokenSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"both empty", nil, nil, 1},
		{"one empty", []string{"a"}, nil, 0},
		{"identical", []string{"a", "b"}, []string{"b", "a"}, 1},
		{"half", []string{"a", "b"}, []string{"a", "c"}, 1.0 / 3},
		{"disjoint", []string{"a"}, []string{"b"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, TokenSimilarity(tt.a, tt.b), 1e-9)
			assert.InDelta(t, tt.want, TokenSimilarity(tt.b, tt.a), 1e-9)
		})
	}
}

func randomFingerprint(r *rand.Rand) *Fingerprint {
	pick := func(opts ...string) string { return opts[r.IntN(len(opts))] }
	return &Fingerprint{
		IPHash:           pick("ip1", "ip2"),
		UserAgentHash:    pick("ua1", "ua2", "ua3"),
		UserAgentTokens:  tokenizeUserAgent(pick("Mozilla/5.0 Chrome/124", "Mozilla/5.0 Firefox/125", "curl/8.0", "")),
		AcceptLanguage:   pick("en-US", "de-DE", ""),
		AcceptEncoding:   pick("gzip", "br", ""),
		Timezone:         pick("Europe/Berlin", "UTC", ""),
		ScreenResolution: pick("1920x1080", "1280x720", ""),
		ColorDepth:       pick("24", "30", ""),
	}
}

func TestSimilarity_Properties(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for range 500 {
		a, b := randomFingerprint(r), randomFingerprint(r)

		assert.InDelta(t, 1.0, Similarity(a, a), 1e-9)

		ab, ba := Similarity(a, b), Similarity(b, a)
		assert.InDelta(t, ab, ba, 1e-9)
		assert.GreaterOrEqual(t, ab, 0.0)
		assert.LessOrEqual(t, ab, 1.0)
	}
}

func TestSimilarity_Nil(t *testing.T) {
	assert.Equal(t, 1.0, Similarity(nil, nil))
	assert.Equal(t, 0.0, Similarity(&Fingerprint{}, nil))
}

func TestWeightedSimilarity_ZeroWeightIgnored(t *testing.T) {
	a := &Fingerprint{IPHash: "x", AcceptLanguage: "en"}
	b := &Fingerprint{IPHash: "y", AcceptLanguage: "en"}
	assert.InDelta(t, 1.0, WeightedSimilarity(a, b, Weights{AcceptLanguage: 1}), 1e-9)
	assert.InDelta(t, 0.0, WeightedSimilarity(a, b, Weights{IP: 1}), 1e-9)
}

func TestOverallRisk_Monotonic(t *testing.T) {
	severities := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	r := rand.New(rand.NewPCG(3, 4))

	for range 200 {
		var anomalies []Anomaly
		prev := OverallRisk(anomalies)
		assert.Equal(t, 0.0, prev)

		for range 6 {
			anomalies = append(anomalies, Anomaly{
				Severity:   severities[r.IntN(len(severities))],
				Confidence: r.Float64(),
				Risk:       r.Float64(),
			})
			risk := OverallRisk(anomalies)
			assert.GreaterOrEqual(t, risk, prev)
			assert.LessOrEqual(t, risk, 1.0)
			prev = risk
		}

		// raising a severity never lowers risk
		for i := range anomalies {
			if anomalies[i].Severity != SeverityCritical {
				anomalies[i].Severity = SeverityCritical
				risk := OverallRisk(anomalies)
				assert.GreaterOrEqual(t, risk, prev)
				prev = risk
			}
		}
	}
}

func TestClassify(t *testing.T) {
	high := Anomaly{Severity: SeverityHigh}
	critical := Anomaly{Severity: SeverityCritical}

	assert.Equal(t, StateTrusted, classify(0, 0.7, nil))
	assert.Equal(t, StateAnomalyFlagged, classify(0.3, 0.7, []Anomaly{high}))
	assert.Equal(t, StateRequireReauth, classify(0.7, 0.7, []Anomaly{high}))
	assert.Equal(t, StateInvalidated, classify(0.8, 0.7, []Anomaly{high, critical}))
}

func TestResult_MaxSeverity(t *testing.T) {
	res := &Result{Anomalies: []Anomaly{{Severity: SeverityMedium}, {Severity: SeverityLow}}}
	assert.Equal(t, SeverityMedium, res.MaxSeverity())
	assert.False(t, res.HasSevere())

	res.Anomalies = append(res.Anomalies, Anomaly{Severity: SeverityHigh})
	assert.True(t, res.HasSevere())

	assert.Equal(t, Severity(""), (&Result{}).MaxSeverity())
}
