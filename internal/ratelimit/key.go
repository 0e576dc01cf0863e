package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

// envoyExternalAddress is the single-valued client address header set by
// the trusted edge. It is the only header the limiter reads.
const envoyExternalAddress = "X-Envoy-External-Address"

// ClientKey derives the limiter identity for a request: the user id
// when authenticated, otherwise the trusted transport address.
func ClientKey(r *http.Request, userID int64) string {
	if userID > 0 {
		return "user:" + strconv.FormatInt(userID, 10)
	}
	return "ip:" + TrustedIP(r)
}

// TrustedIP returns the client address the limiter may key on.
// X-Forwarded-For and X-Real-IP are client-forgeable and never
// consulted; varying them must not change the key.
func TrustedIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(envoyExternalAddress)); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
