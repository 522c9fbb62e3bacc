package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AdminAuth requires "Authorization: Bearer <token>" or "X-Admin-Token: <token>".
// An empty token disables the routes it guards.
func AdminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeJSON(w, http.StatusForbidden, ErrorBody{Error: "Admin API disabled", Code: "ADMIN_DISABLED"})
				return
			}
			got := r.Header.Get("X-Admin-Token")
			if auth := r.Header.Get("Authorization"); got == "" && auth != "" {
				if scheme, cred, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
					got = strings.TrimSpace(cred)
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="perimeter-admin"`)
				writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: "Unauthorized", Code: "UNAUTHORIZED"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
