package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the caller's IP address from the request.
//
// Only enable trustProxy behind a trusted reverse proxy: X-Forwarded-For is
// attacker-controlled otherwise. trustedProxyCount says how many rightmost
// entries of the X-Forwarded-For chain are proxies we operate, so the client
// IP is taken at ips[len(ips)-trustedProxyCount-1].
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := extractIPFromXRealIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return extractIPFromRemoteAddr(r.RemoteAddr)
}

func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	clientIP := strings.TrimSpace(ips[clientIPIndex(len(ips), trustedProxyCount)])

	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}

// clientIPIndex locates the client entry in the X-Forwarded-For list.
// A zero proxy count is treated as one trusted proxy; if the chain is
// shorter than expected the leftmost entry is used.
func clientIPIndex(numIPs, trustedProxyCount int) int {
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}

	idx := numIPs - proxyCount - 1
	if idx < 0 {
		return 0
	}
	return idx
}

func extractIPFromXRealIP(xri string) string {
	if xri == "" || net.ParseIP(xri) == nil {
		return ""
	}
	return xri
}

func extractIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
