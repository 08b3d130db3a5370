package middleware

import "net/http"

// MaxBodySize caps the request body for small JSON routes (login,
// settings). Upload routes are exempt: they stream multipart parts and
// enforce a per-file limit while copying instead.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
