package middleware

import (
	"net/http"
	"strings"
)

// CORS allows a comma-separated list of origins, or "*" for any. The status
// API is read-only, so only GET and OPTIONS are advertised.
func CORS(origins string) func(http.Handler) http.Handler {
	allowed := splitOrigins(origins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if o := matchOrigin(r.Header.Get("Origin"), allowed); o != "" {
				w.Header().Set("Access-Control-Allow-Origin", o)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func splitOrigins(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimRight(strings.TrimSpace(p), "/"); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func matchOrigin(reqOrigin string, allowed []string) string {
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if reqOrigin != "" && reqOrigin == a {
			return reqOrigin
		}
	}
	return ""
}
