package security

import (
	"net"
	"net/http"
	"strings"
)

// IPResolver resolves the originating client IP of a request.
//
// Forwarding headers are honoured only when TrustProxy is set: behind an untrusted
// edge an attacker controls X-Forwarded-For and could rotate "IPs" to dodge every
// per-IP budget in the guard.
type IPResolver struct {
	// TrustProxy enables X-Forwarded-For and X-Real-IP
	TrustProxy bool

	// TrustedProxyCount is the number of proxies we operate, counted from the right
	// of X-Forwarded-For. Zero is treated as one.
	TrustedProxyCount int
}

// ClientIP returns the client address for r, falling back to the direct peer.
func (p IPResolver) ClientIP(r *http.Request) string {
	if p.TrustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), p.TrustedProxyCount); ip != "" {
			return ip
		}
		if ip := ipFromRealIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return ipFromRemoteAddr(r.RemoteAddr)
}

// ipFromForwardedFor picks the client entry of "client, proxy1, proxy2".
//
// With trustedProxyCount=2 and X-Forwarded-For "1.2.3.4, untrusted, proxy2" the client is
// ips[len(ips)-2-1] = "1.2.3.4". Short lists fall back to the leftmost entry.
func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	proxies := trustedProxyCount
	if proxies <= 0 {
		proxies = 1
	}

	idx := len(ips) - proxies - 1
	if idx < 0 {
		idx = 0
	}

	candidate := strings.TrimSpace(ips[idx])
	if net.ParseIP(candidate) == nil {
		return ""
	}
	return candidate
}

func ipFromRealIP(xri string) string {
	xri = strings.TrimSpace(xri)
	if xri == "" || net.ParseIP(xri) == nil {
		return ""
	}
	return xri
}

func ipFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
