package security

import "net/http"

// DefaultSessionCookie is the cookie the guard uses to carry the browser session id.
const DefaultSessionCookie = "guard_session"

// SessionResolver maps a request to its current session identifier.
// An empty string means the request carries no session.
type SessionResolver interface {
	SessionID(r *http.Request) string
}

// SessionResolverFunc adapts a function to SessionResolver.
type SessionResolverFunc func(r *http.Request) string

// SessionID implements SessionResolver.
func (f SessionResolverFunc) SessionID(r *http.Request) string { return f(r) }

// CookieSessionResolver reads the session id from a cookie.
type CookieSessionResolver struct {
	CookieName string
}

// SessionID implements SessionResolver.
func (c CookieSessionResolver) SessionID(r *http.Request) string {
	name := c.CookieName
	if name == "" {
		name = DefaultSessionCookie
	}
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// SessionFromContext resolves the session id placed on the context by the
// pipeline, falling back to next when none is present.
func SessionFromContext(next SessionResolver) SessionResolver {
	return SessionResolverFunc(func(r *http.Request) string {
		if sid := GetSessionID(r.Context()); sid != "" {
			return sid
		}
		if next == nil {
			return ""
		}
		return next.SessionID(r)
	})
}
