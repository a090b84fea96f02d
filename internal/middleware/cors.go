// Package middleware provides HTTP middleware for the sensai API.
package middleware

import "net/http"

// CORS returns middleware that applies the engine's browser origin policy:
// in development every origin is echoed back, otherwise only the configured
// dashboard origin is allowed. Process managers send no Origin header and
// pass through untouched.
func CORS(dashboardOrigin string, dev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && (dev || origin == dashboardOrigin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
				// Credentials only for the pinned dashboard origin. Pairing
				// Allow-Credentials with a dev-echoed origin enables CSRF.
				if dashboardOrigin != "" && origin == dashboardOrigin {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
