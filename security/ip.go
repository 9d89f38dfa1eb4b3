package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPResolver extracts the client address used as a rate limit key.
//
// Only enable TrustProxy behind a reverse proxy you control; otherwise clients
// can pick their own key through X-Forwarded-For and bypass per-IP limits.
type ClientIPResolver struct {
	// TrustProxy enables X-Forwarded-For and X-Real-IP
	TrustProxy bool

	// TrustedProxyCount is how many proxies at the right end of
	// X-Forwarded-For are ours (0 is treated as 1)
	TrustedProxyCount int
}

// ClientIP returns the client IP of r.
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		if ip := ipFromXFF(r.Header.Get("X-Forwarded-For"), c.TrustedProxyCount); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return ipFromRemoteAddr(r.RemoteAddr)
}

// ipFromXFF picks the entry left of the trusted proxies.
//
//	X-Forwarded-For: "client, untrusted, proxy2" with 1 trusted proxy -> "untrusted"
//	X-Forwarded-For: "client, untrusted, proxy2" with 2 trusted proxies -> "client"
func ipFromXFF(xff string, trustedProxyCount int) string {
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
	return parseIP(ips[idx])
}

// parseIP returns the canonical form of s, or "" if s is not an IP address
func parseIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

// ipFromRemoteAddr strips the port from a RemoteAddr
func ipFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
