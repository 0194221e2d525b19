package httpapi

import (
	"net"
	"net/http"
	"strings"

	"github.com/manenim/todos-ratelimit/pkg/limiter"
)

// KeyFunc derives the rate-limit identity of a request.
type KeyFunc func(r *http.Request) limiter.Identity

// DefaultKeyFunc reads the client address from header (typically
// CF-Connecting-IP set by the edge). When trustXFF is set the first
// X-Forwarded-For entry is tried next, and when useRemoteAddr is set the
// connection's peer address after that. Anything else is limiter.Anonymous.
func DefaultKeyFunc(header string, trustXFF, useRemoteAddr bool) KeyFunc {
	return func(r *http.Request) limiter.Identity {
		if header != "" {
			if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
				return limiter.Identity(v)
			}
		}

		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return limiter.Identity(ip)
				}
			}
		}

		if useRemoteAddr {
			host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
			if err == nil && host != "" {
				return limiter.Identity(host)
			}
			return limiter.ResolveIdentity(r.RemoteAddr)
		}

		return limiter.Anonymous
	}
}
