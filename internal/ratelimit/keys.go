package ratelimit

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// AddressKey derives the pre-authentication client key from the caller's
// network address. trustedHops is the number of reverse proxies in front of
// the gateway; each is assumed to append the address it saw to
// X-Forwarded-For. The client is the entry trustedHops places from the
// right, so hops a client prepends itself are never used. With zero hops
// only RemoteAddr counts. IPv6 callers are bucketed by /64 so a single host
// cannot rotate through its interface identifiers.
func AddressKey(r *http.Request, trustedHops int) string {
	if trustedHops > 0 {
		if key, ok := forwardedKey(r.Header.Values("X-Forwarded-For"), trustedHops); ok {
			return key
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = r.RemoteAddr
	}
	if key, ok := normalizeAddr(host); ok {
		return key
	}
	return "ip:unknown"
}

func forwardedKey(values []string, trustedHops int) (string, bool) {
	var hops []string
	for _, v := range values {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	if len(hops) == 0 {
		return "", false
	}

	// Fewer entries than proxies: every entry was written by a trusted
	// proxy, the leftmost by the one facing the client.
	i := len(hops) - trustedHops
	if i < 0 {
		i = 0
	}
	return normalizeAddr(hops[i])
}

// UserKey is the client key for an authenticated caller.
func UserKey(userID string) string {
	return "user:" + userID
}

func normalizeAddr(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	addr = addr.Unmap()
	if addr.Is6() {
		prefix, err := addr.Prefix(64)
		if err != nil {
			return "", false
		}
		return "ip:" + prefix.String(), true
	}
	return "ip:" + addr.String(), true
}
