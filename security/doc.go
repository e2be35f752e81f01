// Package security provides the security primitives used by the
// authorization server: PKCE verification, the signed-free state codec,
// per-IP rate limiting, audit logging, token expiry checks, client IP
// extraction behind proxies, and secure HTTP response headers.
package security
