package fingerprint

import (
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-guard/geo"
	"github.com/giantswarm/oauth-guard/instrumentation"
	"github.com/giantswarm/oauth-guard/security"
	"github.com/giantswarm/oauth-guard/storage"
)

// Default values for Config. The detector thresholds are heuristics and
// should be tuned against real traffic.
const (
	DefaultTTL                     = 24 * time.Hour
	DefaultRiskThreshold           = 0.7
	DefaultUASimilarityThreshold   = 0.6
	DefaultBehaviorThreshold       = 0.5
	DefaultLocationChangeThreshold = 2
	DefaultIPChangeThreshold       = 3
	DefaultMinTravelInterval       = time.Hour

	// changeWindow is the rolling window for IP and location change counters
	changeWindow = time.Hour
)

// Weights assigns each fingerprint component its share of the composite.
// Components with a zero weight are ignored by hashing and similarity.
type Weights struct {
	IP               float64
	UserAgent        float64
	AcceptLanguage   float64
	AcceptEncoding   float64
	Timezone         float64
	ScreenResolution float64
	ColorDepth       float64
	Country          float64
}

// DefaultWeights sum to 1.0.
var DefaultWeights = Weights{
	IP:               0.20,
	UserAgent:        0.25,
	AcceptLanguage:   0.15,
	AcceptEncoding:   0.10,
	Timezone:         0.10,
	ScreenResolution: 0.10,
	ColorDepth:       0.05,
	Country:          0.05,
}

func (w Weights) total() float64 {
	return w.IP + w.UserAgent + w.AcceptLanguage + w.AcceptEncoding +
		w.Timezone + w.ScreenResolution + w.ColorDepth + w.Country
}

// Config holds session fingerprint guard configuration.
type Config struct {
	// Secret salts the IP and user agent hashes (required).
	Secret []byte

	// TTL is how long a stored fingerprint lives without activity.
	TTL time.Duration

	// RiskThreshold is the overall risk at which a session stops being valid.
	RiskThreshold float64

	// UASimilarityThreshold flags user agent changes below this token similarity.
	UASimilarityThreshold float64

	// BehaviorThreshold flags sessions whose weighted similarity falls below it.
	BehaviorThreshold float64

	// LocationChangeThreshold and IPChangeThreshold are the number of changes
	// within a rolling hour that must be exceeded before flagging.
	LocationChangeThreshold int64
	IPChangeThreshold       int64

	// MinTravelInterval is the shortest plausible time between requests from
	// two different countries.
	MinTravelInterval time.Duration

	Weights Weights

	Codec           *storage.Codec
	IPResolver      security.IPResolver
	Locator         geo.Locator
	Alerter         security.Alerter
	Auditor         *security.Auditor
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
	Now             func() time.Time
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.RiskThreshold <= 0 || c.RiskThreshold > 1 {
		c.RiskThreshold = DefaultRiskThreshold
	}
	if c.UASimilarityThreshold <= 0 || c.UASimilarityThreshold > 1 {
		c.UASimilarityThreshold = DefaultUASimilarityThreshold
	}
	if c.BehaviorThreshold <= 0 || c.BehaviorThreshold > 1 {
		c.BehaviorThreshold = DefaultBehaviorThreshold
	}
	if c.LocationChangeThreshold <= 0 {
		c.LocationChangeThreshold = DefaultLocationChangeThreshold
	}
	if c.IPChangeThreshold <= 0 {
		c.IPChangeThreshold = DefaultIPChangeThreshold
	}
	if c.MinTravelInterval <= 0 {
		c.MinTravelInterval = DefaultMinTravelInterval
	}
	if c.Weights.total() <= 0 {
		c.Weights = DefaultWeights
	}
	if c.Locator == nil {
		c.Locator = geo.Noop{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
