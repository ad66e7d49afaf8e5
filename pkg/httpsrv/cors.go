package httpsrv

import (
	"net/http"
	"strings"
)

// corsMiddleware admits browser-extension origins and loopback pages on the
// whole surface. Extension service workers send chrome-extension:// origins
// which generic CORS stacks reject, so the policy is spelled out here.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No Origin header means a native or same-origin client; CORS does
		// not apply.
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers",
				"Content-Type, Mcp-Session-Id, X-Instance-Id, Last-Event-ID, Authorization")
			w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, prefix := range []string{
		"chrome-extension://",
		"moz-extension://",
		"http://127.0.0.1",
	} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}
