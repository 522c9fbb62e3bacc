package ratelimit

import (
	"net/http"
	"strings"
)

// UnknownClient is the shared bucket for requests with no usable client header.
const UnknownClient = "unknown"

// ClientIdentifier derives the client key from proxy headers, in order:
// CF-Connecting-IP, X-Real-IP, the first hop of X-Forwarded-For.
// Missing or empty headers fall through to UnknownClient.
func ClientIdentifier(h http.Header) string {
	if ip := strings.TrimSpace(h.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if ip := strings.TrimSpace(h.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return UnknownClient
}
