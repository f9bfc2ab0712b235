package threat

import (
	"context"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-guard/geo"
	"github.com/giantswarm/oauth-guard/instrumentation"
	"github.com/giantswarm/oauth-guard/security"
	"github.com/giantswarm/oauth-guard/storage"
)

// Default values for Config. Detector thresholds are heuristics.
const (
	DefaultWindow                      = 60 * time.Minute
	DefaultBruteForceThreshold         = 10
	DefaultCredentialStuffingThreshold = 5
	DefaultRateAbuseThreshold          = 5
	DefaultAlertCooldown               = 30 * time.Minute
	DefaultEventTTL                    = 7 * 24 * time.Hour
	DefaultAlertTTL                    = 30 * 24 * time.Hour
	DefaultBlockDuration               = time.Hour
	DefaultIndicatorTTL                = 24 * time.Hour
	DefaultStrictnessFactor            = 2.0
	DefaultStrictnessTTL               = time.Hour
	DefaultGeoHistoryTTL               = 90 * 24 * time.Hour
	DefaultMaxHistory                  = 500
	DefaultRecentActivity              = 5 * time.Minute
)

// DefaultSuspiciousUserAgents are substrings of scanner and script clients.
var DefaultSuspiciousUserAgents = []string{
	"sqlmap", "nikto", "nmap", "masscan", "zgrab", "nuclei", "dirbuster",
	"gobuster", "wpscan", "hydra", "python-requests", "curl/", "wget/",
	"libwww-perl", "go-http-client", "scrapy",
}

// DefaultInjectionPatterns are substrings that indicate parameter tampering.
var DefaultInjectionPatterns = []string{
	"<script", "javascript:", "onerror=", "union select", "select ", " or 1=1",
	"' or '", "drop table", "insert into", "../", "..\\", "%2e%2e", "${", "{{",
	"; rm ", "| cat ", "/etc/passwd",
}

// Containment applies automated defensive actions. ratelimit.Limiter implements it.
type Containment interface {
	BlockIP(ctx context.Context, ip, reason string, ttl time.Duration) error
	RaiseStrictness(ctx context.Context, ip string, factor float64, ttl time.Duration) error
}

// Config holds threat monitor configuration.
type Config struct {
	// Window bounds the history detectors look at.
	Window time.Duration

	BruteForceThreshold         int
	CredentialStuffingThreshold int
	RateAbuseThreshold          int

	SuspiciousUserAgents []string
	InjectionPatterns    []string

	// EventWeights overrides the base risk of individual event types.
	EventWeights map[EventType]float64

	AlertCooldown time.Duration
	EventTTL      time.Duration
	AlertTTL      time.Duration

	// BlockDuration is how long high and critical events block their source IP.
	BlockDuration time.Duration
	IndicatorTTL  time.Duration

	// StrictnessFactor divides rate limit budgets of brute forcing IPs for StrictnessTTL.
	StrictnessFactor float64
	StrictnessTTL    time.Duration

	GeoHistoryTTL time.Duration
	// MaxHistory caps the events remembered per IP.
	MaxHistory int
	// RecentActivity is the gap under which a repeat event adds a recency bonus.
	RecentActivity time.Duration

	Codec           *storage.Codec
	Notifier        Notifier
	Containment     Containment
	Locator         geo.Locator
	IPResolver      security.IPResolver
	Auditor         *security.Auditor
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
	Now             func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.BruteForceThreshold <= 0 {
		c.BruteForceThreshold = DefaultBruteForceThreshold
	}
	if c.CredentialStuffingThreshold <= 0 {
		c.CredentialStuffingThreshold = DefaultCredentialStuffingThreshold
	}
	if c.RateAbuseThreshold <= 0 {
		c.RateAbuseThreshold = DefaultRateAbuseThreshold
	}
	if c.SuspiciousUserAgents == nil {
		c.SuspiciousUserAgents = DefaultSuspiciousUserAgents
	}
	if c.InjectionPatterns == nil {
		c.InjectionPatterns = DefaultInjectionPatterns
	}
	weights := DefaultEventWeights()
	for t, w := range c.EventWeights {
		weights[t] = w
	}
	c.EventWeights = weights

	if c.AlertCooldown <= 0 {
		c.AlertCooldown = DefaultAlertCooldown
	}
	if c.EventTTL <= 0 {
		c.EventTTL = DefaultEventTTL
	}
	if c.AlertTTL <= 0 {
		c.AlertTTL = DefaultAlertTTL
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = DefaultBlockDuration
	}
	if c.IndicatorTTL <= 0 {
		c.IndicatorTTL = DefaultIndicatorTTL
	}
	if c.StrictnessFactor <= 1 {
		c.StrictnessFactor = DefaultStrictnessFactor
	}
	if c.StrictnessTTL <= 0 {
		c.StrictnessTTL = DefaultStrictnessTTL
	}
	if c.GeoHistoryTTL <= 0 {
		c.GeoHistoryTTL = DefaultGeoHistoryTTL
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.RecentActivity <= 0 {
		c.RecentActivity = DefaultRecentActivity
	}
	if c.Locator == nil {
		c.Locator = geo.Noop{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Notifier == nil {
		c.Notifier = NewLogNotifier(c.Logger)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
