package middleware

import (
	"net/http"
	"strconv"

	"github.com/camino-platform/gateway/internal/config"
)

// ApplySecurityHeaders stamps hardening and CORS headers onto h per
// policy. Rejections get the same treatment as relayed responses, so a
// browser client can read error bodies cross-origin. A disabled policy
// leaves h untouched.
func ApplySecurityHeaders(h http.Header, pol config.SecurityHeadersPolicy) {
	if !pol.Enabled {
		return
	}

	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")

	if pol.CORSAllowOrigin != "" {
		h.Set("Access-Control-Allow-Origin", pol.CORSAllowOrigin)
	}
	if pol.CORSAllowMethods != "" {
		h.Set("Access-Control-Allow-Methods", pol.CORSAllowMethods)
	}
	if pol.CORSAllowHeaders != "" {
		h.Set("Access-Control-Allow-Headers", pol.CORSAllowHeaders)
	}
	if pol.CORSAllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if pol.HSTSSeconds > 0 {
		h.Set("Strict-Transport-Security", "max-age="+strconv.FormatInt(pol.HSTSSeconds, 10))
	}
}
