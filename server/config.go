package server

import (
	"log/slog"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// LoginURL is the authentication surface an unauthenticated
	// authorization request is redirected to. The original request is
	// carried along in the "callback" query parameter.
	LoginURL string

	// OnboardingURL is where an authenticated but not yet onboarded user
	// is sent, carrying the same callback parameter.
	OnboardingURL string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// RequirePKCE rejects authorization requests without a code_challenge.
	// When false a challenge is optional, but one that is supplied must
	// use the S256 method and is always enforced at exchange time.
	RequirePKCE bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy; when false the direct
	// connection IP is used.
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server. The client IP is extracted from X-Forwarded-For as
	// ips[len(ips) - TrustedProxyCount - 1].
	TrustedProxyCount int // default: 1

	// RateLimitPerMinute caps requests per client IP on the token and
	// verification endpoints. Zero selects the default. The counter is
	// per instance: running N replicas multiplies the effective limit
	// by N, which is a documented deployment tradeoff, not something
	// this layer tries to hide.
	RateLimitPerMinute int // default: 60

	// RateLimitBurst is the bucket size for short spikes
	RateLimitBurst int // default: 10

	// DevMode marks a development deployment and is warned about at
	// startup. It has no effect on the flows themselves; hosts that want
	// raw verification codes in the log mirror this value into the
	// verification engine's own DevMode when wiring it.
	DevMode bool
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.RateLimitPerMinute == 0 {
		config.RateLimitPerMinute = 60
	}
	if config.RateLimitBurst == 0 {
		config.RateLimitBurst = 10
	}

	if config.TrustProxy {
		logger.Warn("TrustProxy is enabled; X-Forwarded-For will be honored",
			"trusted_proxy_count", config.TrustedProxyCount)
	}
	if config.DevMode {
		logger.Warn("DevMode is enabled; never run this configuration in production")
	}

	return config
}
