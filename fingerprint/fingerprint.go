package fingerprint

import (
	"strings"
	"time"
	"unicode"

	"github.com/giantswarm/oauth-guard/geo"
)

// Optional headers a client script may send to enrich the fingerprint.
const (
	HeaderTimezone         = "X-Client-Timezone"
	HeaderScreenResolution = "X-Screen-Resolution"
	HeaderColorDepth       = "X-Color-Depth"

	maxHeaderLength = 128
)

const (
	fingerprintKeyPrefix    = "session:fp:"
	ipChangeKeyPrefix       = "session:fp:ipchg:"
	locationChangeKeyPrefix = "session:fp:locchg:"

	kindFingerprint = "session_fingerprint"
)

// Fingerprint is the stored summary of a session's client environment.
// IP and user agent are kept only as salted hashes.
type Fingerprint struct {
	SessionID        string       `json:"session_id"`
	UserID           string       `json:"user_id,omitempty"`
	IPHash           string       `json:"ip_hash"`
	UserAgentHash    string       `json:"ua_hash"`
	UserAgentTokens  []string     `json:"ua_tokens,omitempty"`
	AcceptLanguage   string       `json:"accept_language,omitempty"`
	AcceptEncoding   string       `json:"accept_encoding,omitempty"`
	Timezone         string       `json:"timezone,omitempty"`
	ScreenResolution string       `json:"screen_resolution,omitempty"`
	ColorDepth       string       `json:"color_depth,omitempty"`
	Geo              geo.Location `json:"geo,omitzero"`
	Hash             string       `json:"hash"`
	Confidence       float64      `json:"confidence"`
	CreatedAt        time.Time    `json:"created_at"`
	LastSeenAt       time.Time    `json:"last_seen_at"`
}

func fingerprintKey(sessionID string) string    { return fingerprintKeyPrefix + sessionID }
func ipChangeKey(sessionID string) string       { return ipChangeKeyPrefix + sessionID }
func locationChangeKey(sessionID string) string { return locationChangeKeyPrefix + sessionID }

func sessionKeys(sessionID string) []string {
	return []string{fingerprintKey(sessionID), ipChangeKey(sessionID), locationChangeKey(sessionID)}
}

// component is one weighted fingerprint signal.
type component struct {
	name   string
	weight float64
	value  string
}

// components lists the weighted signals in a fixed order.
func (f *Fingerprint) components(w Weights) []component {
	return []component{
		{"ip", w.IP, f.IPHash},
		{"ua", w.UserAgent, f.UserAgentHash},
		{"lang", w.AcceptLanguage, f.AcceptLanguage},
		{"enc", w.AcceptEncoding, f.AcceptEncoding},
		{"tz", w.Timezone, f.Timezone},
		{"screen", w.ScreenResolution, f.ScreenResolution},
		{"color", w.ColorDepth, f.ColorDepth},
		{"country", w.Country, f.Geo.Country},
	}
}

// compositeFields renders the weighted components for hashing.
func (f *Fingerprint) compositeFields(w Weights) []string {
	var fields []string
	for _, c := range f.components(w) {
		if c.weight > 0 {
			fields = append(fields, c.name+"="+c.value)
		}
	}
	return fields
}

// confidence is the share of total weight carried by populated components.
func (f *Fingerprint) confidence(w Weights) float64 {
	total := w.total()
	if total <= 0 {
		return 0
	}
	var present float64
	for _, c := range f.components(w) {
		if c.value != "" {
			present += c.weight
		}
	}
	return clamp(present / total)
}

// WeightedSimilarity compares two fingerprints component by component.
// It is symmetric, bounded to [0, 1] and returns 1 for identical inputs.
func WeightedSimilarity(a, b *Fingerprint, w Weights) float64 {
	if a == nil || b == nil {
		if a == b {
			return 1
		}
		return 0
	}

	total := w.total()
	if total <= 0 {
		return 1
	}

	var score float64
	ca, cb := a.components(w), b.components(w)
	for i := range ca {
		if ca[i].weight <= 0 {
			continue
		}
		var s float64
		switch {
		case ca[i].value == cb[i].value:
			s = 1
		case ca[i].name == "ua":
			s = TokenSimilarity(a.UserAgentTokens, b.UserAgentTokens)
		}
		score += ca[i].weight * s
	}
	return clamp(score / total)
}

// Similarity compares two fingerprints using DefaultWeights.
func Similarity(a, b *Fingerprint) float64 {
	return WeightedSimilarity(a, b, DefaultWeights)
}

// TokenSimilarity is the Jaccard index of two token sets.
// Two empty sets are identical.
func TokenSimilarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]uint8, len(a)+len(b))
	for _, t := range a {
		set[t] |= 1
	}
	for _, t := range b {
		set[t] |= 2
	}
	var both int
	for _, v := range set {
		if v == 3 {
			both++
		}
	}
	return float64(both) / float64(len(set))
}

// tokenizeUserAgent splits a user agent into lowercase alphanumeric tokens,
// deduplicated and in first-seen order.
func tokenizeUserAgent(ua string) []string {
	fields := strings.FieldsFunc(strings.ToLower(ua), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_'
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".")
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
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

func headerValue(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > maxHeaderLength {
		v = v[:maxHeaderLength]
	}
	return v
}
