package utils

import (
	"net"
	"net/http"
	"strings"
)

// ClientAddr returns the client IP for rate-limit keying: the first
// X-Forwarded-For hop when present, otherwise the socket address without its
// port.
func ClientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
