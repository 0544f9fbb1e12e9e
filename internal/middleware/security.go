// Package middleware provides HTTP middleware for gorfbd's admin control
// plane.
package middleware

import (
	"net/http"
)

// apiHeaders is the header set every control-plane response carries. The
// control plane is a headless JSON API for operators — there is no page,
// script, or asset to whitelist — so the policy is flat denial: nothing
// may embed these responses, nothing loads from them, and nothing caches
// them (client listings and login responses are both time- and
// credential-sensitive).
var apiHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store",
}

// SecurityHeaders stamps the control plane's response-header policy onto
// every response before the wrapped handler runs.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for name, value := range apiHeaders {
			h.Set(name, value)
		}
		next.ServeHTTP(w, r)
	})
}
