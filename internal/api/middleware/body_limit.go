package middleware

import "net/http"

// MaxBodySize caps the request body at limit bytes. Reads past the cap fail,
// which handlers report as 413.
func MaxBodySize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && limit > 0 {
				if r.ContentLength > limit {
					writeJSON(w, http.StatusRequestEntityTooLarge, ErrorBody{Error: "Payload too large", Code: CodePayloadTooLarge})
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
