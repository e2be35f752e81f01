// Package server implements the authorization and token-exchange engines:
// the /authorize state machine, the two token grants with refresh
// rotation, and the userinfo claim gating. The HTTP surface lives in the
// root package; this package is transport-free apart from URL building.
package server

import (
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/gatherkit/oauth/instrumentation"
	"github.com/gatherkit/oauth/security"
	"github.com/gatherkit/oauth/storage"
)

// Server implements the OAuth 2.0 authorization server logic. It
// coordinates the flows against the storage backends; HTTP handling is
// layered on top by the root package.
type Server struct {
	clients storage.ClientStore
	codes   storage.CodeStore
	tokens  storage.TokenStore
	users   storage.UserStore

	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter // IP-based rate limiter
	Logger      *slog.Logger
	Config      *Config

	// ownLimiter is the limiter built from Config's rate-limit knobs,
	// tracked so SetRateLimiter can release it when a host injects its own.
	ownLimiter *security.RateLimiter

	metrics *instrumentation.Metrics
}

// New creates a new OAuth server
func New(
	clients storage.ClientStore,
	codes storage.CodeStore,
	tokens storage.TokenStore,
	users storage.UserStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	if config.LoginURL == "" {
		return nil, fmt.Errorf("login URL is required")
	}
	if config.OnboardingURL == "" {
		return nil, fmt.Errorf("onboarding URL is required")
	}

	s := &Server{
		clients: clients,
		codes:   codes,
		tokens:  tokens,
		users:   users,
		Config:  config,
		Logger:  logger,
	}

	s.ownLimiter = security.NewRateLimiterPerMinute(
		config.RateLimitPerMinute, config.RateLimitBurst, logger)
	s.RateLimiter = s.ownLimiter

	return s, nil
}

// Close releases resources owned by the server, currently the rate
// limiter built from Config. Injected limiters are the host's to stop.
func (s *Server) Close() {
	if s.ownLimiter != nil {
		s.ownLimiter.Stop()
		s.ownLimiter = nil
	}
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter replaces the limiter built from Config's rate-limit
// knobs with one supplied by the host, stopping the built-in one.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	if s.ownLimiter != nil && rl != s.ownLimiter {
		s.ownLimiter.Stop()
		s.ownLimiter = nil
	}
	s.RateLimiter = rl
}

// SetInstrumentation wires metric recording into the flows
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		s.metrics = inst.Metrics()
	}
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes and tokens.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
