package guard

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/giantswarm/oauth-guard/csrf"
	"github.com/giantswarm/oauth-guard/fingerprint"
	"github.com/giantswarm/oauth-guard/instrumentation"
	"github.com/giantswarm/oauth-guard/ratelimit"
	"github.com/giantswarm/oauth-guard/security"
	"github.com/giantswarm/oauth-guard/validate"
)

// EnvPrefix prefixes every environment variable read by LoadConfigFromEnv.
const EnvPrefix = "GUARD_"

// devSecret is used outside production when GUARD_SECRET is unset.
const devSecret = "dev-secret-not-for-production-use-only"

// minProductionSecretLength is the shortest secret accepted in production.
const minProductionSecretLength = 32

// Store backends.
const (
	StoreMemory = "memory"
	StoreValkey = "valkey"
	StoreRedis  = "redis"
)

// Settings is the deployment configuration read from the environment. The
// component configs carry only what the environment sets; callers add
// stores, loggers and instrumentation before constructing components.
type Settings struct {
	// Environment is "development" (default), "staging" or "production".
	Environment string
	ListenAddr  string

	// Secret is the master secret component keys are derived from.
	Secret []byte

	// EncryptionKey seals stored records with AES-256-GCM. Nil disables.
	EncryptionKey []byte

	AuditLogging bool

	Pipeline        Config
	CSRF            csrf.Config
	Fingerprint     fingerprint.Config
	RateLimit       ratelimit.Config
	Validation      validate.Config
	Store           StoreSettings
	Alerts          AlertSettings
	Instrumentation instrumentation.Config
}

// StoreSettings selects and addresses the key-value backend.
type StoreSettings struct {
	Backend  string
	Addr     string
	Password string
	DB       int
}

// AlertSettings configures alert delivery beyond the log.
type AlertSettings struct {
	WebhookURL   string
	AMQPURL      string
	AMQPExchange string
}

// IsProduction returns true if running in production environment
func (s *Settings) IsProduction() bool {
	return s.Environment == "production" || s.Environment == "prod"
}

// LoadConfigFromEnv reads Settings from GUARD_* environment variables after
// loading the given .env files (".env" when none are named). Missing .env
// files are ignored; variables already in the environment win.
func LoadConfigFromEnv(files ...string) (*Settings, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	return loadSettings(os.Getenv)
}

func loadSettings(getenv func(string) string) (*Settings, error) {
	e := envReader{getenv: getenv}

	s := &Settings{
		Environment:  e.str("ENV", "development"),
		ListenAddr:   e.str("LISTEN_ADDR", ":8080"),
		Secret:       []byte(e.str("SECRET", "")),
		AuditLogging: e.boolean("AUDIT_LOG", true),
	}

	if key := e.str("ENCRYPTION_KEY", ""); key != "" {
		k, err := security.KeyFromBase64(key)
		if err != nil {
			e.fail("ENCRYPTION_KEY", err)
		}
		s.EncryptionKey = k
	}

	ipResolver := security.IPResolver{
		TrustProxy:        e.boolean("TRUST_PROXY", false),
		TrustedProxyCount: e.integer("TRUSTED_PROXY_COUNT", 0),
	}

	s.Pipeline = Config{
		ProtectedPaths:      e.list("PROTECTED_PATHS"),
		CSRFProtectedPaths:  e.list("CSRF_PATHS"),
		MaxQueryParamLength: e.integer("MAX_QUERY_PARAM_LENGTH", 0),
		SessionCookie: SessionCookieConfig{
			Domain:   e.str("COOKIE_DOMAIN", ""),
			Insecure: e.boolean("COOKIE_INSECURE", false),
		},
		IPResolver: ipResolver,
	}

	s.CSRF = csrf.Config{
		Lifetime:            e.minutes("CSRF_LIFETIME_MINUTES"),
		RotationInterval:    e.minutes("CSRF_ROTATION_MINUTES"),
		MaxTokensPerSession: e.integer("CSRF_MAX_TOKENS", 0),
		ExemptPaths:         e.list("EXEMPT_PATHS"),
		CookieDomain:        s.Pipeline.SessionCookie.Domain,
		CookieSecure:        !s.Pipeline.SessionCookie.Insecure,
		IPResolver:          ipResolver,
	}

	s.Fingerprint = fingerprint.Config{
		RiskThreshold: e.float("SESSION_RISK_THRESHOLD", 0),
		IPResolver:    ipResolver,
	}

	s.RateLimit = ratelimit.Config{
		Budgets:    map[ratelimit.Category]ratelimit.Budget{},
		BaseDelay:  e.seconds("DELAY_BASE_SECONDS"),
		Multiplier: e.float("DELAY_MULTIPLIER", 0),
		MaxDelay:   e.seconds("DELAY_MAX_SECONDS"),
		IPResolver: ipResolver,
	}
	for _, cat := range []ratelimit.Category{
		ratelimit.CategoryAuthorization,
		ratelimit.CategoryToken,
		ratelimit.CategoryConsent,
		ratelimit.CategoryLogin,
		ratelimit.CategoryGlobal,
	} {
		if b, ok := e.budget("RATE_LIMIT_" + strings.ToUpper(string(cat))); ok {
			s.RateLimit.Budgets[cat] = b
		}
	}

	s.Validation = validate.Config{
		ProductionMode:          s.IsProduction(),
		AllowedCustomSchemes:    e.list("REDIRECT_SCHEMES"),
		AllowPrivateIPRedirects: e.boolean("ALLOW_PRIVATE_REDIRECTS", false),
		AllowPKCEPlain:          e.boolean("ALLOW_PKCE_PLAIN", false),
		RequireState:            e.boolean("REQUIRE_STATE", true),
	}

	s.Store = StoreSettings{
		Backend:  strings.ToLower(e.str("STORE", StoreMemory)),
		Addr:     e.str("STORE_ADDR", "localhost:6379"),
		Password: e.str("STORE_PASSWORD", ""),
		DB:       e.integer("STORE_DB", 0),
	}
	s.Alerts = AlertSettings{
		WebhookURL:   e.str("ALERT_WEBHOOK_URL", ""),
		AMQPURL:      e.str("AMQP_URL", ""),
		AMQPExchange: e.str("AMQP_EXCHANGE", ""),
	}
	s.Instrumentation = instrumentation.Config{
		Enabled:         e.boolean("INSTRUMENTATION", true),
		MetricsExporter: e.str("METRICS_EXPORTER", instrumentation.ExporterPrometheus),
		TracesExporter:  e.str("TRACES_EXPORTER", instrumentation.ExporterNone),
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s.CSRF.Secret = s.Secret
	s.Fingerprint.Secret = s.Secret
	return s, nil
}

// Validate checks the settings for security and correctness. Outside
// production a missing secret falls back to a development value.
func (s *Settings) Validate() error {
	switch {
	case s.IsProduction() && len(s.Secret) < minProductionSecretLength:
		return fmt.Errorf("%sSECRET must be at least %d characters in production (got %d)",
			EnvPrefix, minProductionSecretLength, len(s.Secret))
	case len(s.Secret) == 0:
		slog.Warn("Using development secret; set " + EnvPrefix + "SECRET outside local development")
		s.Secret = []byte(devSecret)
	}

	if s.IsProduction() && s.Pipeline.SessionCookie.Insecure {
		return fmt.Errorf("%sCOOKIE_INSECURE must not be set in production", EnvPrefix)
	}

	switch s.Store.Backend {
	case StoreMemory, StoreValkey, StoreRedis:
	default:
		return fmt.Errorf("%sSTORE must be one of %s, %s, %s (got %q)",
			EnvPrefix, StoreMemory, StoreValkey, StoreRedis, s.Store.Backend)
	}

	if t := s.Fingerprint.RiskThreshold; t < 0 || t > 1 {
		return fmt.Errorf("%sSESSION_RISK_THRESHOLD must be within [0, 1] (got %v)", EnvPrefix, t)
	}
	if s.RateLimit.Multiplier != 0 && s.RateLimit.Multiplier < 1 {
		return fmt.Errorf("%sDELAY_MULTIPLIER must be at least 1 (got %v)", EnvPrefix, s.RateLimit.Multiplier)
	}
	return nil
}

// envReader reads prefixed variables and collects parse errors.
type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) fail(name string, err error) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err))
}

func (e *envReader) str(name, def string) string {
	if v := strings.TrimSpace(e.getenv(EnvPrefix + name)); v != "" {
		return v
	}
	return def
}

func (e *envReader) boolean(name string, def bool) bool {
	v := e.str(name, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, err)
		return def
	}
	return b
}

func (e *envReader) integer(name string, def int) int {
	v := e.str(name, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, err)
		return def
	}
	return n
}

func (e *envReader) float(name string, def float64) float64 {
	v := e.str(name, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(name, err)
		return def
	}
	return f
}

func (e *envReader) minutes(name string) time.Duration {
	return time.Duration(e.float(name, 0) * float64(time.Minute))
}

func (e *envReader) seconds(name string) time.Duration {
	return time.Duration(e.float(name, 0) * float64(time.Second))
}

// list splits a comma separated value, dropping empty items.
func (e *envReader) list(name string) []string {
	var out []string
	for _, item := range strings.Split(e.str(name, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// budget parses "<requests>/<window seconds>", e.g. "30/60".
func (e *envReader) budget(name string) (ratelimit.Budget, bool) {
	v := e.str(name, "")
	if v == "" {
		return ratelimit.Budget{}, false
	}
	reqs, window, ok := strings.Cut(v, "/")
	if !ok {
		e.fail(name, fmt.Errorf("want <requests>/<window seconds>, got %q", v))
		return ratelimit.Budget{}, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(reqs), 10, 64)
	if err != nil || n <= 0 {
		e.fail(name, fmt.Errorf("requests must be a positive integer, got %q", reqs))
		return ratelimit.Budget{}, false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(window))
	if err != nil || secs <= 0 {
		e.fail(name, fmt.Errorf("window must be a positive number of seconds, got %q", window))
		return ratelimit.Budget{}, false
	}
	return ratelimit.Budget{Requests: n, Window: time.Duration(secs) * time.Second}, true
}
