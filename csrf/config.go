package csrf

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/giantswarm/oauth-guard/instrumentation"
	"github.com/giantswarm/oauth-guard/security"
	"github.com/giantswarm/oauth-guard/storage"
)

// Default values for Config.
const (
	DefaultLifetime            = 60 * time.Minute
	DefaultRotationInterval    = 15 * time.Minute
	DefaultMaxTokensPerSession = 5
	DefaultCookieName          = "csrf_token"
	DefaultFormField           = "csrf_token"
	DefaultIssuanceBurst       = 20

	// tokenBytes is the entropy of a token before encoding
	tokenBytes = 32

	// tokenLogLength is how much of a token value may appear in logs
	tokenLogLength = 8
)

// DefaultHeaderNames are checked in order when extracting a token.
var DefaultHeaderNames = []string{"X-CSRF-Token", "X-XSRF-Token"}

// DefaultIssuanceRate refills one issuance every three seconds per IP.
var DefaultIssuanceRate = rate.Every(3 * time.Second)

// Config holds CSRF guard configuration.
type Config struct {
	// Secret is the master secret the binding key is derived from (required).
	Secret []byte

	// Lifetime is how long a token stays valid and in the store.
	Lifetime time.Duration

	// RotationInterval flags tokens older than this as due for rotation.
	// Must be shorter than Lifetime.
	RotationInterval time.Duration

	// MaxTokensPerSession caps active tokens per session; the oldest are evicted on issuance.
	MaxTokensPerSession int

	// ExemptPaths are path prefixes that never require a token.
	ExemptPaths []string

	CookieName   string
	CookieDomain string
	CookiePath   string
	// CookieSecure sets the Secure attribute. Leave on outside local development.
	CookieSecure bool

	// HeaderNames are the request headers searched for a token, in order.
	// The first is also used to echo newly issued tokens.
	HeaderNames []string
	FormField   string

	// IssuanceRate and IssuanceBurst bound how fast one IP can mint tokens.
	IssuanceRate  rate.Limit
	IssuanceBurst int

	Codec           *storage.Codec
	IPResolver      security.IPResolver
	Sessions        security.SessionResolver
	Auditor         *security.Auditor
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Lifetime <= 0 {
		c.Lifetime = DefaultLifetime
	}
	if c.RotationInterval <= 0 || c.RotationInterval >= c.Lifetime {
		c.RotationInterval = min(DefaultRotationInterval, c.Lifetime/2)
	}
	if c.MaxTokensPerSession <= 0 {
		c.MaxTokensPerSession = DefaultMaxTokensPerSession
	}
	if c.CookieName == "" {
		c.CookieName = DefaultCookieName
	}
	if c.CookiePath == "" {
		c.CookiePath = "/"
	}
	if len(c.HeaderNames) == 0 {
		c.HeaderNames = DefaultHeaderNames
	}
	if c.FormField == "" {
		c.FormField = DefaultFormField
	}
	if c.IssuanceRate <= 0 {
		c.IssuanceRate = DefaultIssuanceRate
	}
	if c.IssuanceBurst <= 0 {
		c.IssuanceBurst = DefaultIssuanceBurst
	}
	if c.Sessions == nil {
		c.Sessions = security.SessionFromContext(security.CookieSessionResolver{})
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
