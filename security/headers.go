package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets the standard security headers on responses from
// the OAuth endpoints. The CSP is maximally strict since these endpoints
// never serve active content.
func SetSecurityHeaders(w http.ResponseWriter, issuerURL string) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	w.Header().Set("Referrer-Policy", "no-referrer")

	// HSTS only when the issuer itself is HTTPS
	if parsed, err := url.Parse(issuerURL); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Token and userinfo responses must never be cached
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}
