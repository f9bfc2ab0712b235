// Package validate checks OAuth authorization parameters on browser requests
// before the guards run. A Validator plugs into the pipeline as its
// InputValidator.
package validate

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/giantswarm/oauth-guard/internal/util"
)

// PKCE limits (RFC 7636).
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

const (
	// DefaultMinStateLength is the shortest state value accepted.
	DefaultMinStateLength = 8
	// DefaultMaxStateLength is the longest state value accepted.
	DefaultMaxStateLength = 512

	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

// Error categories, used as event details and log fields.
const (
	CategoryInvalidFormat   = "invalid_format"
	CategoryBlockedScheme   = "blocked_scheme"
	CategoryFragment        = "fragment_not_allowed"
	CategoryHTTPNotAllowed  = "http_not_allowed"
	CategoryPrivateIP       = "private_ip"
	CategoryLinkLocal       = "link_local"
	CategoryUnspecifiedAddr = "unspecified_address"
	CategoryLength          = "invalid_length"
	CategoryCharset         = "invalid_characters"
	CategoryUnsupported     = "unsupported_value"
)

var (
	// DangerousSchemes are never accepted as redirect targets.
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	rfc3986Scheme = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)
)

// Error describes a rejected parameter. Error() is safe to log; it never
// echoes the parameter value.
type Error struct {
	Param    string
	Category string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Param, e.Reason, e.Category)
}

// Category returns the category of err when it is an *Error.
func Category(err error) string {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Category
	}
	return ""
}

// Config tunes which parameter values are accepted.
type Config struct {
	// ProductionMode requires HTTPS for every non-loopback redirect_uri.
	ProductionMode bool

	// AllowedCustomSchemes are regular expressions matched against custom
	// redirect schemes for native apps. Empty accepts any RFC 3986 scheme.
	AllowedCustomSchemes []string

	AllowPrivateIPRedirects bool
	AllowLinkLocalRedirects bool
	AllowPKCEPlain          bool
	RequireState            bool
	MinStateLength          int
	MaxStateLength          int
	AllowedResponseTypes    []string
}

func (c *Config) applyDefaults() {
	if c.MinStateLength <= 0 {
		c.MinStateLength = DefaultMinStateLength
	}
	if c.MaxStateLength <= 0 {
		c.MaxStateLength = DefaultMaxStateLength
	}
	if len(c.AllowedResponseTypes) == 0 {
		c.AllowedResponseTypes = []string{"code"}
	}
}

// Validator checks the authorization parameters of a request.
type Validator struct {
	cfg     Config
	schemes []*regexp.Regexp
}

// New compiles cfg into a Validator.
func New(cfg Config) (*Validator, error) {
	cfg.applyDefaults()
	if cfg.MinStateLength > cfg.MaxStateLength {
		return nil, fmt.Errorf("min state length %d exceeds max %d", cfg.MinStateLength, cfg.MaxStateLength)
	}

	v := &Validator{cfg: cfg}
	for _, pattern := range cfg.AllowedCustomSchemes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid scheme pattern %q: %w", pattern, err)
		}
		v.schemes = append(v.schemes, re)
	}
	if len(v.schemes) == 0 {
		v.schemes = []*regexp.Regexp{rfc3986Scheme}
	}
	return v, nil
}

// Validate checks every authorization parameter present on r. Absent
// parameters are not an error, except state on an authorization request when
// RequireState is set.
func (v *Validator) Validate(r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return &Error{Param: "request", Category: CategoryInvalidFormat, Reason: "malformed parameters"}
	}

	if raw := r.Form.Get("redirect_uri"); raw != "" {
		if err := v.RedirectURI(raw); err != nil {
			return err
		}
	}
	if rt := r.Form.Get("response_type"); rt != "" && !contains(v.cfg.AllowedResponseTypes, rt) {
		return &Error{Param: "response_type", Category: CategoryUnsupported, Reason: "unsupported response type"}
	}
	if err := v.state(r.Form.Get("state"), r.Form.Has("response_type")); err != nil {
		return err
	}
	if err := v.pkce(r.Form); err != nil {
		return err
	}
	if scope := r.Form.Get("scope"); scope != "" {
		if err := Scope(scope); err != nil {
			return err
		}
	}
	return nil
}

// RedirectURI checks a redirect target against scheme, fragment and address
// rules (OAuth 2.0 Security BCP section 4.1).
func (v *Validator) RedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		return &Error{Param: "redirect_uri", Category: CategoryInvalidFormat, Reason: "not an absolute URI"}
	}
	if parsed.Fragment != "" || strings.Contains(raw, "#") {
		return &Error{Param: "redirect_uri", Category: CategoryFragment, Reason: "fragments are not allowed"}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if contains(DangerousSchemes, scheme) {
		return &Error{Param: "redirect_uri", Category: CategoryBlockedScheme, Reason: fmt.Sprintf("scheme %q is blocked", scheme)}
	}

	if scheme != schemeHTTP && scheme != schemeHTTPS {
		for _, re := range v.schemes {
			if re.MatchString(scheme) {
				return nil
			}
		}
		return &Error{Param: "redirect_uri", Category: CategoryBlockedScheme, Reason: fmt.Sprintf("scheme %q is not allowed", scheme)}
	}

	host := parsed.Hostname()
	if host == "" {
		return &Error{Param: "redirect_uri", Category: CategoryInvalidFormat, Reason: "missing host"}
	}
	if strings.EqualFold(host, "localhost") {
		return nil
	}

	class := util.ClassifyAddress(host)
	switch class {
	case util.IPClassificationLoopback:
		// RFC 8252 section 7.3 permits plain HTTP on loopback.
		return nil
	case util.IPClassificationUnspecified:
		return &Error{Param: "redirect_uri", Category: CategoryUnspecifiedAddr, Reason: "unspecified address"}
	case util.IPClassificationPrivate:
		if !v.cfg.AllowPrivateIPRedirects {
			return &Error{Param: "redirect_uri", Category: CategoryPrivateIP, Reason: "private address"}
		}
	case util.IPClassificationLinkLocal:
		if !v.cfg.AllowLinkLocalRedirects {
			return &Error{Param: "redirect_uri", Category: CategoryLinkLocal, Reason: "link-local address"}
		}
	}

	if v.cfg.ProductionMode && scheme == schemeHTTP {
		return &Error{Param: "redirect_uri", Category: CategoryHTTPNotAllowed, Reason: "HTTPS is required"}
	}
	return nil
}

// state checks the state value. authorize marks an authorization request,
// the only place RequireState applies.
func (v *Validator) state(state string, authorize bool) error {
	if state == "" {
		if v.cfg.RequireState && authorize {
			return &Error{Param: "state", Category: CategoryLength, Reason: "state is required"}
		}
		return nil
	}
	if len(state) < v.cfg.MinStateLength || len(state) > v.cfg.MaxStateLength {
		return &Error{
			Param:    "state",
			Category: CategoryLength,
			Reason:   fmt.Sprintf("length must be between %d and %d", v.cfg.MinStateLength, v.cfg.MaxStateLength),
		}
	}
	for _, ch := range state {
		if ch < 0x20 || ch == 0x7f {
			return &Error{Param: "state", Category: CategoryCharset, Reason: "control characters are not allowed"}
		}
	}
	return nil
}

func (v *Validator) pkce(form url.Values) error {
	challenge := form.Get("code_challenge")
	method := form.Get("code_challenge_method")

	if method != "" || challenge != "" {
		if method == "" {
			method = PKCEMethodPlain
		}
		switch method {
		case PKCEMethodS256:
		case PKCEMethodPlain:
			if !v.cfg.AllowPKCEPlain {
				return &Error{Param: "code_challenge_method", Category: CategoryUnsupported, Reason: "plain is not allowed"}
			}
		default:
			return &Error{Param: "code_challenge_method", Category: CategoryUnsupported, Reason: "unsupported method"}
		}
	}

	if challenge != "" {
		if err := pkceValue("code_challenge", challenge); err != nil {
			return err
		}
	}
	if verifier := form.Get("code_verifier"); verifier != "" {
		if err := pkceValue("code_verifier", verifier); err != nil {
			return err
		}
	}
	return nil
}

// pkceValue enforces the RFC 7636 length and [A-Za-z0-9-._~] alphabet.
func pkceValue(param, value string) error {
	if len(value) < MinCodeVerifierLength || len(value) > MaxCodeVerifierLength {
		return &Error{
			Param:    param,
			Category: CategoryLength,
			Reason:   fmt.Sprintf("length must be between %d and %d", MinCodeVerifierLength, MaxCodeVerifierLength),
		}
	}
	for _, ch := range value {
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !ok {
			return &Error{Param: param, Category: CategoryCharset, Reason: "must match [A-Za-z0-9-._~]"}
		}
	}
	return nil
}

// Scope checks scope tokens against the RFC 6749 section 3.3 alphabet.
func Scope(scope string) error {
	for _, token := range strings.Split(scope, " ") {
		if token == "" {
			return &Error{Param: "scope", Category: CategoryInvalidFormat, Reason: "empty scope token"}
		}
		for _, ch := range token {
			if ch < 0x21 || ch > 0x7e || ch == '"' || ch == '\\' {
				return &Error{Param: "scope", Category: CategoryCharset, Reason: "invalid scope character"}
			}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
