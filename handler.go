// Package oauth embeds an OAuth 2.0 authorization server with email
// verification into a host application. The host mounts the Handler on
// its mux and supplies storage, a session reader, and a mail sender; the
// package serves the authorize, token, userinfo, and verify-email
// endpoints on top of them.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/gatherkit/oauth/instrumentation"
	"github.com/gatherkit/oauth/mfa"
	"github.com/gatherkit/oauth/security"
	"github.com/gatherkit/oauth/server"
	"github.com/gatherkit/oauth/storage"
)

const tokenTypeBearer = "Bearer"

// Handler is a thin HTTP adapter for the OAuth Server. It handles HTTP
// requests and delegates to the server and verification engines.
type Handler struct {
	server   *server.Server
	verifier *mfa.Engine
	sessions SessionReader
	clients  storage.ClientStore
	users    storage.UserStore
	logger   *slog.Logger

	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

// NewHandler creates a new HTTP handler. The session reader may be nil,
// in which case every authorization request detours to the login surface.
func NewHandler(
	srv *server.Server,
	verifier *mfa.Engine,
	sessions SessionReader,
	clients storage.ClientStore,
	users storage.UserStore,
	logger *slog.Logger,
) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("verification engine is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server:   srv,
		verifier: verifier,
		sessions: sessions,
		clients:  clients,
		users:    users,
		logger:   logger,
	}, nil
}

// SetInstrumentation wires tracing and HTTP metrics into the handler
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	h.tracer = inst.Tracer("http")
	h.metrics = inst.Metrics()
}

// RegisterRoutes mounts all OAuth endpoints on the mux. Every route
// carries the request-ID middleware; method dispatch, including the CORS
// preflight, happens inside each handler.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/authorize", security.RequestIDMiddleware(http.HandlerFunc(h.ServeAuthorize)))
	mux.Handle("/token", security.RequestIDMiddleware(http.HandlerFunc(h.ServeToken)))
	mux.Handle("/userinfo", security.RequestIDMiddleware(http.HandlerFunc(h.ServeUserInfo)))
	mux.Handle("/verify-email", security.RequestIDMiddleware(http.HandlerFunc(h.ServeVerifyEmail)))
}

// ServeAuthorize handles the authorization endpoint. Valid requests leave
// as a 307 redirect: to the login or onboarding surface, or back to the
// client with a code or error. Requests with no trustworthy redirect
// target get a JSON error instead, never an open redirect.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.ServePreflight(w, r)
		return
	}

	startTime := time.Now()
	ctx := r.Context()
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorize")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	req := &server.AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		RawQuery:            r.URL.RawQuery,
	}

	h.setCORSHeaders(w, r, req.ClientID)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	user := h.sessionUser(r)
	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	target, err := h.server.Authorize(ctx, req, user, clientIP)
	if err != nil {
		oerr := asOAuthError(err)
		h.recordHTTPMetrics(ctx, "authorize", r.Method, oerr.Status, startTime)
		if span != nil {
			instrumentation.RecordError(span, err)
		}
		h.writeError(w, oerr.Code, oerr.Description, oerr.Status)
		return
	}

	h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusTemporaryRedirect, startTime)
	if span != nil {
		instrumentation.SetSpanSuccess(span)
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// ServeToken handles the token endpoint's two grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.ServePreflight(w, r)
		return
	}

	startTime := time.Now()
	ctx := r.Context()
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientID, clientSecret := h.extractClientCredentials(r)
	h.setCORSHeaders(w, r, clientID)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if !h.checkRateLimit(ctx, w, clientIP, "token") {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	var (
		token *oauth2.Token
		scope string
		err   error
	)
	switch grantType := r.FormValue("grant_type"); grantType {
	case "authorization_code":
		token, scope, err = h.exchangeCode(ctx, r, clientID, clientSecret, clientIP)
	case "refresh_token":
		token, scope, err = h.refreshToken(ctx, r, clientID, clientSecret, clientIP)
	case "":
		err = server.ErrInvalidRequest("grant_type is required")
	default:
		err = server.ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", grantType))
	}

	if err != nil {
		oerr := asOAuthError(err)
		h.recordHTTPMetrics(ctx, "token", r.Method, oerr.Status, startTime)
		if span != nil {
			instrumentation.RecordError(span, err)
		}
		h.writeError(w, oerr.Code, oerr.Description, oerr.Status)
		return
	}

	h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusOK, startTime)
	if span != nil {
		instrumentation.SetSpanSuccess(span)
	}
	h.writeTokenResponse(w, token, scope)
}

// ServeUserInfo handles the userinfo endpoint on GET and POST.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.ServePreflight(w, r)
		return
	}

	startTime := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "userinfo", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r, "")
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	accessToken, ok := h.extractBearerToken(r)
	if !ok {
		h.recordHTTPMetrics(ctx, "userinfo", r.Method, http.StatusUnauthorized, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Bearer token required", http.StatusUnauthorized)
		return
	}

	claims, err := h.server.UserInfo(ctx, accessToken)
	if err != nil {
		oerr := asOAuthError(err)
		h.recordHTTPMetrics(ctx, "userinfo", r.Method, oerr.Status, startTime)
		h.writeError(w, oerr.Code, oerr.Description, oerr.Status)
		return
	}

	h.recordHTTPMetrics(ctx, "userinfo", r.Method, http.StatusOK, startTime)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(claims)
}

// ServeVerifyEmail handles verification code submission. The response is
// deliberately uniform: invalid, expired, and unknown codes all read the
// same.
func (h *Handler) ServeVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.ServePreflight(w, r)
		return
	}

	startTime := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "verify_email", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r, "")
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if !h.checkRateLimit(ctx, w, clientIP, "verify_email") {
		h.recordHTTPMetrics(ctx, "verify_email", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	var req VerifyEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics(ctx, "verify_email", r.Method, http.StatusBadRequest, startTime)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Malformed request body"})
		return
	}
	if req.Email == "" || req.Code == "" {
		h.recordHTTPMetrics(ctx, "verify_email", r.Method, http.StatusBadRequest, startTime)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email and code are required"})
		return
	}

	if !h.verifier.VerifyCodeFrom(ctx, req.Email, req.Code, true, clientIP) {
		h.recordHTTPMetrics(ctx, "verify_email", r.Method, http.StatusBadRequest, startTime)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid verification code"})
		return
	}

	canSignIn := false
	if _, err := h.users.GetUserByEmail(ctx, req.Email); err == nil {
		canSignIn = true
	}

	h.recordHTTPMetrics(ctx, "verify_email", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, VerifyEmailResponse{Success: true, CanSignIn: canSignIn})
}

// ServePreflight answers CORS preflight requests. Allowed methods and
// headers are always advertised; the origin-specific headers appear only
// when the origin matches a registered client.
func (h *Handler) ServePreflight(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w, r, r.URL.Query().Get("client_id"))
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// setCORSHeaders emits the origin headers only when the request's Origin
// exactly matches the requesting client's registered allowed origin. The
// match is literal: scheme, host, and port, case-sensitively. On a
// mismatch no CORS headers are emitted at all and the request proceeds.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request, clientID string) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	var client *storage.Client
	var err error
	if clientID != "" {
		client, err = h.clients.GetClient(r.Context(), clientID)
	} else {
		client, err = h.clients.GetClientByOrigin(r.Context(), origin)
	}
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Error("Client lookup for CORS failed", "error", err)
		}
		return
	}

	if client.AllowedOrigin == "" || client.AllowedOrigin != origin {
		h.logger.Debug("CORS request from disallowed origin",
			"origin", origin,
			"client_id", client.ID)
		return
	}

	// Echo the specific origin, never a wildcard.
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Add("Vary", "Origin")
}

// sessionUser resolves the request's authenticated user, or nil.
func (h *Handler) sessionUser(r *http.Request) *storage.User {
	if h.sessions == nil {
		return nil
	}
	user, err := h.sessions.UserFromRequest(r)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Error("Session lookup failed", "error", err)
		}
		return nil
	}
	return user
}

// extractClientCredentials reads client credentials from HTTP Basic auth,
// falling back to the form body.
func (h *Handler) extractClientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

// extractBearerToken pulls the access token from the Authorization header
func (h *Handler) extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = tokenTypeBearer + " "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return "", false
	}
	return auth[len(prefix):], true
}

func (h *Handler) exchangeCode(ctx context.Context, r *http.Request, clientID, clientSecret, clientIP string) (*oauth2.Token, string, error) {
	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")
	return h.server.ExchangeAuthorizationCode(ctx, code, clientID, clientSecret, redirectURI, codeVerifier, clientIP)
}

func (h *Handler) refreshToken(ctx context.Context, r *http.Request, clientID, clientSecret, clientIP string) (*oauth2.Token, string, error) {
	refreshToken := r.FormValue("refresh_token")
	return h.server.RefreshAccessToken(ctx, refreshToken, clientID, clientSecret, clientIP)
}

// checkRateLimit applies the per-IP limiter when one is configured.
// Writes the error response itself when the limit is exceeded.
func (h *Handler) checkRateLimit(ctx context.Context, w http.ResponseWriter, clientIP, endpoint string) bool {
	rl := h.server.RateLimiter
	if rl == nil {
		return true
	}
	if rl.Allow(clientIP) {
		return true
	}

	h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(ctx, endpoint)
	}
	h.writeError(w, ErrorCodeRateLimitExceeded, "Too many requests", http.StatusTooManyRequests)
	return false
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *oauth2.Token, scope string) {
	expiresIn := int64(time.Until(token.Expiry).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		RefreshToken: token.RefreshToken,
		Scope:        scope,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf("%s error=%q, error_description=%q", tokenTypeBearer, code, description))
	}
	h.writeJSON(w, status, ErrorResponse{Error: code, ErrorDescription: description})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordHTTPRequest(ctx, method, endpoint, status, float64(time.Since(startTime).Milliseconds()))
}

// asOAuthError normalizes any error from the flow layer into an *Error.
func asOAuthError(err error) *Error {
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr
	}
	return server.ErrServerError("internal error")
}
