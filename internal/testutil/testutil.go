package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Common fixtures shared by the package tests.
const (
	BrowserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	OtherUserAgent   = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) Gecko/20100101 Firefox/125.0"
	ClientIP         = "203.0.113.10"
	OtherClientIP    = "198.51.100.20"
)

// MockTime provides a controllable, goroutine-safe time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// HTTPRequest is a helper for building test HTTP requests
type HTTPRequest struct {
	Method     string
	URL        string
	RemoteAddr string
	Headers    map[string]string
	Cookies    []*http.Cookie
	Body       string
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:     method,
		URL:        url,
		RemoteAddr: ClientIP + ":41000",
		Headers:    make(map[string]string),
	}
}

// NewBrowserRequest creates a request that looks like a top-level browser navigation.
func NewBrowserRequest(method, url string) *HTTPRequest {
	return NewHTTPRequest(method, url).
		WithHeader("User-Agent", BrowserUserAgent).
		WithHeader("Accept", "text/html,application/xhtml+xml").
		WithHeader("Accept-Language", "en-US,en;q=0.9").
		WithHeader("Accept-Encoding", "gzip, deflate, br")
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithIP sets the peer address
func (r *HTTPRequest) WithIP(ip string) *HTTPRequest {
	r.RemoteAddr = ip + ":41000"
	return r
}

// WithCookie adds a cookie
func (r *HTTPRequest) WithCookie(name, value string) *HTTPRequest {
	r.Cookies = append(r.Cookies, &http.Cookie{Name: name, Value: value})
	return r
}

// WithBody sets the request body
func (r *HTTPRequest) WithBody(body string) *HTTPRequest {
	r.Body = body
	return r
}

// WithForm sets a url-encoded form body
func (r *HTTPRequest) WithForm(body string) *HTTPRequest {
	r.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	r.Body = body
	return r
}

// Build returns the *http.Request
func (r *HTTPRequest) Build() *http.Request {
	req := httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Body))
	req.RemoteAddr = r.RemoteAddr
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	for _, c := range r.Cookies {
		req.AddCookie(c)
	}
	return req
}

// Do executes the HTTP request
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, r.Build())
	return rr
}

// CookieValue returns the value of the named cookie set on a recorded response.
func CookieValue(rr *httptest.ResponseRecorder, name string) string {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
