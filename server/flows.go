package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/gatherkit/oauth/internal/util"
	"github.com/gatherkit/oauth/security"
	"github.com/gatherkit/oauth/storage"
)

const tokenIDLogLength = 8

// AuthorizeRequest carries the parsed query parameters of an
// authorization request.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string // space-delimited, may be empty
	State               string // caller-opaque, carried through verbatim
	CodeChallenge       string
	CodeChallengeMethod string

	// RawQuery is the original query string, preserved so the flow can
	// resume after a login or onboarding detour.
	RawQuery string
}

// Authorize runs the authorization endpoint state machine and returns the
// redirect target: the login surface, the onboarding surface, or the
// client's redirect_uri carrying either a fresh code or an error. A
// request with no trustworthy redirect target returns an *Error instead.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest, user *storage.User, clientIP string) (string, error) {
	if req.ResponseType == "" || req.ClientID == "" || req.RedirectURI == "" {
		return "", ErrInvalidRequest("response_type, client_id and redirect_uri are required")
	}
	if req.ResponseType != "code" {
		return "", ErrUnsupportedResponseType("only response_type=code is supported")
	}

	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		s.Logger.Debug("Authorization for unknown client", "client_id", req.ClientID)
		s.Auditor.LogAuthFailure("", req.ClientID, clientIP, "unknown_client")
		return "", ErrInvalidClient("unknown client")
	}
	if !client.Active {
		s.Auditor.LogAuthFailure("", req.ClientID, clientIP, "client_inactive")
		return "", ErrInvalidClient("client is not active")
	}

	// Exact, case-sensitive match against the registered URIs. No prefix
	// or scheme tolerance: a URI that is not literally registered is not
	// a redirect target.
	if !client.HasRedirectURI(req.RedirectURI) {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			ClientID:  req.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"redirect_uri": req.RedirectURI},
		})
		return "", ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	if req.CodeChallenge == "" && s.Config.RequirePKCE {
		return "", ErrInvalidRequest("code_challenge is required")
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != security.PKCEMethodS256 {
		return "", ErrInvalidRequest("only the S256 code_challenge_method is supported")
	}

	if s.metrics != nil {
		s.metrics.RecordAuthorizationStarted(ctx, req.ClientID)
	}

	// From here on the redirect target is trusted, so scope errors travel
	// to the client as query parameters rather than a raw 400.
	scopes, ok := resolveScopes(req.Scope, client.Scopes)
	if !ok {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventScopeEscalationAttempt,
			ClientID:  req.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"requested_scope": req.Scope},
		})
		return errorRedirect(req.RedirectURI, ErrorCodeInvalidScope, "requested scope exceeds the client's allowed scopes", req.State), nil
	}

	// Session branching: the flow detours to login or onboarding and
	// resumes with the original query intact.
	if user == nil {
		return s.resumeRedirect(s.Config.LoginURL, req), nil
	}
	if !user.Onboarded {
		return s.resumeRedirect(s.Config.OnboardingURL, req), nil
	}

	code := generateRandomToken()
	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            client.ID,
		UserID:              user.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               strings.Join(scopes, " "),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
		CreatedAt:           now,
	}
	if err := s.codes.SaveAuthorizationCode(ctx, authCode); err != nil {
		s.Logger.Error("Failed to save authorization code", "error", err, "client_id", client.ID)
		return "", ErrServerError("failed to issue authorization code")
	}

	s.Logger.Info("Issued authorization code",
		"client_id", client.ID,
		"user_id", user.ID,
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
		"scope", authCode.Scope)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		UserID:    user.ID,
		ClientID:  client.ID,
		IPAddress: clientIP,
	})
	if s.metrics != nil {
		s.metrics.RecordCodeIssued(ctx, client.ID)
	}

	return codeRedirect(req.RedirectURI, code, req.State), nil
}

// resumeRedirect builds the login/onboarding detour URL. The full original
// authorization URL rides along in the callback parameter, and an encoded
// flow state carries a CSRF token the authentication surface must echo back.
func (s *Server) resumeRedirect(base string, req *AuthorizeRequest) string {
	callback := s.Config.Issuer + "/authorize"
	if req.RawQuery != "" {
		callback += "?" + req.RawQuery
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	target := base + sep + "callback=" + url.QueryEscape(callback)

	encoded, err := security.EncodeState(&security.FlowState{
		CSRFToken: generateRandomToken(),
		ClientID:  req.ClientID,
		ReturnTo:  callback,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		s.Logger.Warn("Failed to encode flow state for resume redirect", "error", err)
		return target
	}
	return target + "&state=" + url.QueryEscape(encoded)
}

// ResumeState decodes the flow state minted by the login/onboarding detour.
// Every decode failure is reported the same way, so a caller cannot learn
// the payload shape from the error.
func (s *Server) ResumeState(state string) (*security.FlowState, error) {
	fs, err := security.DecodeFlowState(state)
	if err != nil {
		return nil, ErrInvalidRequest("invalid state parameter")
	}
	return fs, nil
}

// ExchangeAuthorizationCode implements the authorization_code grant. Any
// failure after client authentication is reported as a uniform
// invalid_grant; the specific reason goes to the audit log only.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, clientSecret, redirectURI, codeVerifier, clientIP string) (*oauth2.Token, string, error) {
	if code == "" || redirectURI == "" {
		return nil, "", ErrInvalidRequest("code and redirect_uri are required")
	}

	client, oerr := s.authenticateClient(ctx, clientID, clientSecret, clientIP)
	if oerr != nil {
		return nil, "", oerr
	}

	// Delete-as-consume: at most one concurrent redemption wins. A
	// mismatched client or redirect leaves the record alone so the true
	// binding can still redeem it.
	authCode, err := s.codes.ConsumeAuthorizationCode(ctx, code, client.ID, redirectURI)
	if err != nil {
		s.Logger.Debug("Authorization code redemption failed",
			"client_id", client.ID,
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
		s.Auditor.LogCodeRedemptionFailed(client.ID, clientIP, "code_not_found_or_mismatch")
		if s.metrics != nil {
			s.metrics.RecordCodeExchange(ctx, client.ID, false)
		}
		return nil, "", ErrInvalidGrant("invalid grant")
	}

	// The code is already burned at this point; an expired code spends
	// its single use on this failed attempt.
	if security.IsExpired(authCode.ExpiresAt) {
		s.Auditor.LogCodeRedemptionFailed(client.ID, clientIP, "code_expired")
		if s.metrics != nil {
			s.metrics.RecordCodeExchange(ctx, client.ID, false)
		}
		return nil, "", ErrInvalidGrant("invalid grant")
	}

	if authCode.CodeChallenge != "" {
		if !security.VerifyCodeChallenge(codeVerifier, authCode.CodeChallenge, authCode.CodeChallengeMethod) {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				UserID:    authCode.UserID,
				ClientID:  client.ID,
				IPAddress: clientIP,
			})
			s.Auditor.LogCodeRedemptionFailed(client.ID, clientIP, "pkce_mismatch")
			if s.metrics != nil {
				s.metrics.RecordPKCEValidationFailed(ctx)
				s.metrics.RecordCodeExchange(ctx, client.ID, false)
			}
			return nil, "", ErrInvalidGrant("invalid grant")
		}
	}

	token, err := s.mintTokenPair(ctx, client.ID, authCode.UserID, authCode.Scope)
	if err != nil {
		s.Logger.Error("Failed to mint token pair", "error", err, "client_id", client.ID)
		return nil, "", ErrServerError("failed to issue tokens")
	}

	s.Auditor.LogTokenIssued(authCode.UserID, client.ID, clientIP, authCode.Scope)
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, client.ID, true)
	}

	return token, authCode.Scope, nil
}

// RefreshAccessToken implements the refresh_token grant with rotation:
// the presented refresh token and its paired access token are deleted and
// a brand-new pair is minted. Presenting the old refresh token again
// fails.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID, clientSecret, clientIP string) (*oauth2.Token, string, error) {
	if refreshToken == "" {
		return nil, "", ErrInvalidRequest("refresh_token is required")
	}

	client, oerr := s.authenticateClient(ctx, clientID, clientSecret, clientIP)
	if oerr != nil {
		return nil, "", oerr
	}

	rt, err := s.tokens.ConsumeRefreshToken(ctx, refreshToken, client.ID)
	if err != nil {
		s.Logger.Debug("Refresh token redemption failed",
			"client_id", client.ID,
			"token_prefix", util.SafeTruncate(refreshToken, tokenIDLogLength))
		s.Auditor.LogAuthFailure("", client.ID, clientIP, "refresh_token_not_found_or_mismatch")
		if s.metrics != nil {
			s.metrics.RecordTokenRefresh(ctx, client.ID, false)
		}
		return nil, "", ErrInvalidGrant("invalid grant")
	}

	if security.IsExpired(rt.ExpiresAt) {
		s.Auditor.LogAuthFailure(rt.UserID, client.ID, clientIP, "refresh_token_expired")
		if s.metrics != nil {
			s.metrics.RecordTokenRefresh(ctx, client.ID, false)
		}
		return nil, "", ErrInvalidGrant("invalid grant")
	}

	token, err := s.mintTokenPair(ctx, client.ID, rt.UserID, rt.Scope)
	if err != nil {
		s.Logger.Error("Failed to mint rotated token pair", "error", err, "client_id", client.ID)
		return nil, "", ErrServerError("failed to issue tokens")
	}

	s.Auditor.LogTokenRefreshed(rt.UserID, client.ID, clientIP)
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, client.ID, true)
	}

	return token, rt.Scope, nil
}

// UserInfoClaims are the claims served by the userinfo endpoint, gated by
// the token's granted scopes.
type UserInfoClaims struct {
	Sub           string `json:"sub"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
}

// UserInfo resolves an access token to the claims its scopes permit:
// sub always, name and picture under "profile", email and email_verified
// under "email".
func (s *Server) UserInfo(ctx context.Context, accessToken string) (*UserInfoClaims, error) {
	if accessToken == "" {
		return nil, ErrInvalidRequest("access token is required")
	}

	at, err := s.tokens.GetAccessToken(ctx, accessToken)
	if err != nil {
		return nil, ErrInvalidToken("invalid or expired access token")
	}
	if security.IsExpired(at.ExpiresAt) {
		return nil, ErrInvalidToken("invalid or expired access token")
	}

	user, err := s.users.GetUser(ctx, at.UserID)
	if err != nil {
		s.Logger.Error("Access token references missing user",
			"user_id", at.UserID,
			"token_prefix", util.SafeTruncate(accessToken, tokenIDLogLength))
		return nil, ErrInvalidToken("invalid or expired access token")
	}

	claims := &UserInfoClaims{Sub: user.ID}
	granted := splitScopes(at.Scope)
	for _, scope := range granted {
		switch scope {
		case "profile":
			claims.Name = user.Name
			claims.Picture = user.Picture
		case "email":
			claims.Email = user.Email
			verified := user.EmailVerified
			claims.EmailVerified = &verified
		}
	}
	return claims, nil
}

// authenticateClient resolves and authenticates the client for the token
// endpoint. Public clients carry no secret; confidential clients must
// present the right one.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, *Error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client authentication required")
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.Logger.Error("Client lookup failed", "error", err, "client_id", clientID)
		}
		// Burn a bcrypt comparison anyway so unknown and known clients
		// take the same time.
		_ = s.clients.ValidateClientSecret(ctx, clientID, clientSecret)
		s.Auditor.LogAuthFailure("", clientID, clientIP, "unknown_client")
		return nil, ErrInvalidClient("client authentication failed")
	}
	if !client.Active {
		s.Auditor.LogAuthFailure("", clientID, clientIP, "client_inactive")
		return nil, ErrInvalidClient("client authentication failed")
	}

	if client.IsPublic() {
		return client, nil
	}

	if err := s.clients.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		s.Auditor.LogAuthFailure("", clientID, clientIP, "client_secret_mismatch")
		return nil, ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

// mintTokenPair creates and stores a fresh access+refresh token pair.
func (s *Server) mintTokenPair(ctx context.Context, clientID, userID, scope string) (*oauth2.Token, error) {
	accessToken := generateRandomToken()
	refreshToken := generateRandomToken()
	now := time.Now()
	accessExpiry := now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second)

	if err := s.tokens.SaveAccessToken(ctx, &storage.AccessToken{
		Token:     accessToken,
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		ExpiresAt: accessExpiry,
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}

	if err := s.tokens.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token:       refreshToken,
		AccessToken: accessToken,
		ClientID:    clientID,
		UserID:      userID,
		Scope:       scope,
		ExpiresAt:   now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
		CreatedAt:   now,
	}); err != nil {
		// Keep the pair consistent: without a refresh token the access
		// token must not circulate either.
		if delErr := s.tokens.DeleteAccessToken(ctx, accessToken); delErr != nil {
			s.Logger.Error("Failed to roll back orphaned access token", "error", delErr)
		}
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	return &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Expiry:       accessExpiry,
	}, nil
}

// codeRedirect builds the success redirect back to the client.
func codeRedirect(redirectURI, code, state string) string {
	q := url.Values{}
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	return appendQuery(redirectURI, q)
}

// errorRedirect builds an error redirect back to the client.
func errorRedirect(redirectURI, code, description, state string) string {
	q := url.Values{}
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	return appendQuery(redirectURI, q)
}

func appendQuery(uri string, q url.Values) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return uri + sep + q.Encode()
}
