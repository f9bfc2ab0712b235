// Package geo resolves the approximate location of a request.
//
// The guard only needs country-level data for location-change, impossible
// travel and geographic-anomaly checks. HeaderLocator trusts the country
// header set by an edge such as Cloudflare (CF-IPCountry) or a load balancer;
// deployments with a GeoIP database plug in their own Locator.
package geo

import (
	"context"
	"net/http"
	"strings"
)

// Location is a coarse request location. Empty fields are unknown.
type Location struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
}

// IsZero reports whether nothing is known about the location.
func (l Location) IsZero() bool {
	return l.Country == "" && l.Region == "" && l.City == ""
}

// Locator resolves a Location for a request. Implementations must be safe for
// concurrent use. Errors are treated as "unknown" by callers.
type Locator interface {
	Locate(ctx context.Context, r *http.Request, clientIP string) (Location, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context, r *http.Request, clientIP string) (Location, error)

// Locate implements Locator.
func (f LocatorFunc) Locate(ctx context.Context, r *http.Request, clientIP string) (Location, error) {
	return f(ctx, r, clientIP)
}

// Default header names read by HeaderLocator.
var (
	DefaultCountryHeaders = []string{"CF-IPCountry", "X-Geo-Country", "X-Country-Code"}
	DefaultRegionHeaders  = []string{"X-Geo-Region", "CF-Region"}
	DefaultCityHeaders    = []string{"X-Geo-City", "CF-IPCity"}
)

// HeaderLocator reads location from headers populated by a trusted edge proxy.
// Only enable it when clients cannot set these headers themselves.
type HeaderLocator struct {
	CountryHeaders []string
	RegionHeaders  []string
	CityHeaders    []string
}

// NewHeaderLocator returns a HeaderLocator with the default header names.
func NewHeaderLocator() *HeaderLocator {
	return &HeaderLocator{
		CountryHeaders: DefaultCountryHeaders,
		RegionHeaders:  DefaultRegionHeaders,
		CityHeaders:    DefaultCityHeaders,
	}
}

// Locate implements Locator.
func (h *HeaderLocator) Locate(_ context.Context, r *http.Request, _ string) (Location, error) {
	loc := Location{
		Country: normalizeCountry(firstHeader(r, h.CountryHeaders)),
		Region:  firstHeader(r, h.RegionHeaders),
		City:    firstHeader(r, h.CityHeaders),
	}
	return loc, nil
}

func firstHeader(r *http.Request, names []string) string {
	for _, n := range names {
		if v := strings.TrimSpace(r.Header.Get(n)); v != "" {
			return v
		}
	}
	return ""
}

// normalizeCountry upper-cases ISO codes and drops Cloudflare's placeholders
// for unknown (XX) and Tor (T1).
func normalizeCountry(c string) string {
	c = strings.ToUpper(c)
	switch c {
	case "XX", "T1":
		return ""
	}
	return c
}

// Noop never knows where a request comes from.
type Noop struct{}

// Locate implements Locator.
func (Noop) Locate(context.Context, *http.Request, string) (Location, error) {
	return Location{}, nil
}
