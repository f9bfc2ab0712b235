package guard

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/giantswarm/oauth-guard/ratelimit"
	"github.com/giantswarm/oauth-guard/security"
	"github.com/giantswarm/oauth-guard/threat"
)

// Default values for Config.
const (
	DefaultMaxQueryParamLength = 2048
	DefaultSessionMaxAge       = 24 * time.Hour
)

// DefaultProtectedPaths are the browser-facing OAuth endpoints.
var DefaultProtectedPaths = []string{"/oauth/", "/login"}

// DefaultCSRFProtectedPaths serve the forms that post back to the server.
var DefaultCSRFProtectedPaths = []string{"/oauth/authorize", "/oauth/consent", "/login"}

// DefaultCategories maps endpoint prefixes to rate limit categories.
func DefaultCategories() map[string]ratelimit.Category {
	return map[string]ratelimit.Category{
		"/oauth/authorize": ratelimit.CategoryAuthorization,
		"/oauth/token":     ratelimit.CategoryToken,
		"/oauth/consent":   ratelimit.CategoryConsent,
		"/login":           ratelimit.CategoryLogin,
	}
}

// Config holds the pipeline configuration.
type Config struct {
	// ProtectedPaths are path prefixes that run the full pipeline. Everything
	// else passes straight through.
	ProtectedPaths []string

	// CSRFProtectedPaths are path prefixes whose GET responses carry a CSRF token.
	CSRFProtectedPaths []string

	// Categories maps path prefixes to rate limit categories. The longest
	// matching prefix wins; unmatched paths use the global budget.
	Categories map[string]ratelimit.Category

	// MaxQueryParamLength flags query parameters longer than this.
	MaxQueryParamLength int

	// SuspiciousUserAgents are substrings reported as suspicious_user_agent
	// events. Defaults to threat.DefaultSuspiciousUserAgents.
	SuspiciousUserAgents []string

	// SessionCookie configures the bootstrap session cookie.
	SessionCookie SessionCookieConfig

	// Users resolves the authenticated user of a request, if any.
	Users UserResolver

	IPResolver security.IPResolver
	Auditor    *security.Auditor

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// SessionCookieConfig configures the session id cookie the pipeline issues
// to browsers that arrive without one.
type SessionCookieConfig struct {
	Name   string
	Domain string
	Path   string
	MaxAge time.Duration
	// Insecure drops the Secure attribute. Local development only.
	Insecure bool
}

// UserResolver maps a request to its authenticated user id.
type UserResolver interface {
	UserID(r *http.Request) string
}

// UserResolverFunc adapts a function to UserResolver.
type UserResolverFunc func(r *http.Request) string

// UserID implements UserResolver.
func (f UserResolverFunc) UserID(r *http.Request) string { return f(r) }

func (c *Config) applyDefaults() {
	if len(c.ProtectedPaths) == 0 {
		c.ProtectedPaths = DefaultProtectedPaths
	}
	if c.CSRFProtectedPaths == nil {
		c.CSRFProtectedPaths = DefaultCSRFProtectedPaths
	}
	if c.Categories == nil {
		c.Categories = DefaultCategories()
	}
	if c.MaxQueryParamLength <= 0 {
		c.MaxQueryParamLength = DefaultMaxQueryParamLength
	}
	if c.SuspiciousUserAgents == nil {
		c.SuspiciousUserAgents = threat.DefaultSuspiciousUserAgents
	}
	if c.SessionCookie.Name == "" {
		c.SessionCookie.Name = security.DefaultSessionCookie
	}
	if c.SessionCookie.Path == "" {
		c.SessionCookie.Path = "/"
	}
	if c.SessionCookie.MaxAge <= 0 {
		c.SessionCookie.MaxAge = DefaultSessionMaxAge
	}
	if c.Users == nil {
		c.Users = UserResolverFunc(func(*http.Request) string { return "" })
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// categoryMatcher resolves the category of a path by longest prefix.
type categoryMatcher struct {
	prefixes   []string
	categories map[string]ratelimit.Category
}

func newCategoryMatcher(m map[string]ratelimit.Category) categoryMatcher {
	prefixes := make([]string, 0, len(m))
	for p := range m {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return categoryMatcher{prefixes: prefixes, categories: m}
}

func (cm categoryMatcher) match(path string) ratelimit.Category {
	for _, p := range cm.prefixes {
		if strings.HasPrefix(path, p) {
			return cm.categories[p]
		}
	}
	return ratelimit.CategoryGlobal
}

func hasPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
