package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP address from a request. Proxy
// headers are only honored when trustProxy is set; otherwise a spoofed
// X-Forwarded-For would defeat per-IP rate limiting.
func GetClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := leftmostForwardedIP(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if xri := r.Header.Get("X-Real-IP"); net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// leftmostForwardedIP returns the first valid IP in an X-Forwarded-For
// list, the address of the original client.
func leftmostForwardedIP(xff string) string {
	if xff == "" {
		return ""
	}
	first, _, _ := strings.Cut(xff, ",")
	first = strings.TrimSpace(first)
	if net.ParseIP(first) != nil {
		return first
	}
	return ""
}
