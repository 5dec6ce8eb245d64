package security

import (
	"net"
	"net/http"
	"strings"

	"github.com/developingchet/admission-guard/internal/decision"
)

// ClientIP returns the canonical client address. Forwarding headers are only
// honoured when the direct peer is a trusted proxy.
func ClientIP(r *http.Request, trusted []*net.IPNet) string {
	peer, err := decision.HostIP(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
	if !decision.InNetworks(peer, trusted) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip, err := decision.HostIP(first); err == nil {
			return ip
		}
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		if ip, err := decision.HostIP(xr); err == nil {
			return ip
		}
	}
	return peer
}

// isHTTPS reports whether the client connection was TLS, directly or at a
// trusted proxy.
func isHTTPS(r *http.Request, trusted []*net.IPNet) bool {
	if r.TLS != nil {
		return true
	}
	peer, err := decision.HostIP(r.RemoteAddr)
	if err != nil || !decision.InNetworks(peer, trusted) {
		return false
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
