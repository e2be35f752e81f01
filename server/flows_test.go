package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gatherkit/oauth/internal/testutil"
	"github.com/gatherkit/oauth/storage"
	"github.com/gatherkit/oauth/storage/memory"
)

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	srv, err := New(store, store, store, store, &Config{
		Issuer:        "https://auth.example.com",
		LoginURL:      "https://app.example.com/login",
		OnboardingURL: "https://app.example.com/onboarding",
	}, nil)
	testutil.AssertNoError(t, err)
	t.Cleanup(srv.Close)
	return srv, store
}

func seedClientAndUser(t *testing.T, store *memory.Store) (*storage.Client, *storage.User) {
	t.Helper()
	ctx := context.Background()
	client := testutil.GenerateTestClient()
	testutil.AssertNoError(t, store.SaveClient(ctx, client))
	user := testutil.GenerateTestUser()
	testutil.AssertNoError(t, store.CreateUser(ctx, user))
	return client, user
}

func validAuthorizeRequest(client *storage.Client) *AuthorizeRequest {
	return &AuthorizeRequest{
		ResponseType: "code",
		ClientID:     client.ID,
		RedirectURI:  client.RedirectURIs[0],
		Scope:        "openid email",
		State:        "client-state-123",
		RawQuery:     "response_type=code&client_id=" + client.ID,
	}
}

func oauthError(t *testing.T, err error) *Error {
	t.Helper()
	var oerr *Error
	if !errors.As(err, &oerr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	return oerr
}

func TestAuthorizeMissingParameters(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)

	tests := []struct {
		name   string
		mutate func(*AuthorizeRequest)
	}{
		{"missing response_type", func(r *AuthorizeRequest) { r.ResponseType = "" }},
		{"missing client_id", func(r *AuthorizeRequest) { r.ClientID = "" }},
		{"missing redirect_uri", func(r *AuthorizeRequest) { r.RedirectURI = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validAuthorizeRequest(client)
			tt.mutate(req)
			_, err := srv.Authorize(context.Background(), req, user, "198.51.100.1")
			testutil.AssertEqual(t, ErrorCodeInvalidRequest, oauthError(t, err).Code)
		})
	}
}

func TestAuthorizeUnsupportedResponseType(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)

	req := validAuthorizeRequest(client)
	req.ResponseType = "token"
	_, err := srv.Authorize(context.Background(), req, user, "")
	testutil.AssertEqual(t, ErrorCodeUnsupportedResponseType, oauthError(t, err).Code)
}

func TestAuthorizeUnknownClient(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)

	req := validAuthorizeRequest(client)
	req.ClientID = "nope"
	_, err := srv.Authorize(context.Background(), req, user, "")
	testutil.AssertEqual(t, ErrorCodeInvalidClient, oauthError(t, err).Code)
}

func TestAuthorizeInactiveClient(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)

	client.Active = false
	testutil.AssertNoError(t, store.SaveClient(context.Background(), client))

	_, err := srv.Authorize(context.Background(), validAuthorizeRequest(client), user, "")
	testutil.AssertEqual(t, ErrorCodeInvalidClient, oauthError(t, err).Code)
}

func TestAuthorizeRedirectURIMustMatchExactly(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)

	tests := []string{
		"https://example.com/callback/",       // trailing slash
		"https://example.com/callback2",       // suffix
		"https://example.com",                 // prefix of registered
		"http://example.com/callback",         // scheme downgrade
		"https://EXAMPLE.com/callback",        // case difference
		"https://evil.example/callback",       // different host
		"https://example.com/callback?x=1",    // extra query
		"https://example.com:8443/callback",   // different port
	}
	for _, uri := range tests {
		req := validAuthorizeRequest(client)
		req.RedirectURI = uri
		_, err := srv.Authorize(context.Background(), req, user, "")
		if oauthError(t, err).Code != ErrorCodeInvalidRequest {
			t.Errorf("redirect_uri %q: expected invalid_request, got %v", uri, err)
		}
	}
}

func TestAuthorizeScopeSupersetRedirectsWithError(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)

	req := validAuthorizeRequest(client)
	req.Scope = "openid admin"
	target, err := srv.Authorize(context.Background(), req, user, "")
	testutil.AssertNoError(t, err)

	u, perr := url.Parse(target)
	testutil.AssertNoError(t, perr)
	testutil.AssertTrue(t, strings.HasPrefix(target, client.RedirectURIs[0]))
	q := u.Query()
	testutil.AssertEqual(t, ErrorCodeInvalidScope, q.Get("error"))
	testutil.AssertEqual(t, "client-state-123", q.Get("state"))
	if q.Get("code") != "" {
		t.Error("no code should be issued on a scope error")
	}
}

func TestAuthorizeNoSessionRedirectsToLogin(t *testing.T) {
	srv, store := newTestServer(t)
	client, _ := seedClientAndUser(t, store)

	req := validAuthorizeRequest(client)
	target, err := srv.Authorize(context.Background(), req, nil, "")
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, strings.HasPrefix(target, "https://app.example.com/login?callback="))

	u, perr := url.Parse(target)
	testutil.AssertNoError(t, perr)
	callback := u.Query().Get("callback")
	testutil.AssertTrue(t, strings.HasPrefix(callback, "https://auth.example.com/authorize?"))
	testutil.AssertStringContains(t, callback, req.RawQuery)

	fs, serr := srv.ResumeState(u.Query().Get("state"))
	testutil.AssertNoError(t, serr)
	testutil.AssertEqual(t, client.ID, fs.ClientID)
	testutil.AssertEqual(t, callback, fs.ReturnTo)
	if fs.CSRFToken == "" {
		t.Error("resume state should carry a CSRF token")
	}
}

func TestResumeStateRejectsGarbage(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, state := range []string{"", "not-base64!!", "bm90LWpzb24"} {
		if _, err := srv.ResumeState(state); err == nil {
			t.Errorf("ResumeState(%q) should fail", state)
		}
	}
}

func TestAuthorizeNotOnboardedRedirectsToOnboarding(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)

	user.Onboarded = false
	target, err := srv.Authorize(context.Background(), validAuthorizeRequest(client), user, "")
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, strings.HasPrefix(target, "https://app.example.com/onboarding?callback="))
}

func TestAuthorizeMintsCode(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	challenge, _ := testutil.GeneratePKCEPair()
	req := validAuthorizeRequest(client)
	req.CodeChallenge = challenge
	req.CodeChallengeMethod = "S256"

	target, err := srv.Authorize(ctx, req, user, "198.51.100.1")
	testutil.AssertNoError(t, err)

	u, perr := url.Parse(target)
	testutil.AssertNoError(t, perr)
	code := u.Query().Get("code")
	if code == "" {
		t.Fatal("expected code in redirect")
	}
	testutil.AssertEqual(t, "client-state-123", u.Query().Get("state"))

	stored, err := store.GetAuthorizationCode(ctx, code)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, client.ID, stored.ClientID)
	testutil.AssertEqual(t, user.ID, stored.UserID)
	testutil.AssertEqual(t, req.RedirectURI, stored.RedirectURI)
	testutil.AssertEqual(t, "openid email", stored.Scope)
	testutil.AssertEqual(t, challenge, stored.CodeChallenge)
	testutil.AssertEqual(t, "S256", stored.CodeChallengeMethod)

	wantExpiry := stored.CreatedAt.Add(10 * time.Minute)
	if !stored.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expected 10 minute TTL, got %v", stored.ExpiresAt.Sub(stored.CreatedAt))
	}
}

func TestAuthorizeEmptyScopeDefaultsToClientScopes(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	req := validAuthorizeRequest(client)
	req.Scope = ""
	target, err := srv.Authorize(ctx, req, user, "")
	testutil.AssertNoError(t, err)

	u, _ := url.Parse(target)
	stored, err := store.GetAuthorizationCode(ctx, u.Query().Get("code"))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, strings.Join(client.Scopes, " "), stored.Scope)
}

func TestAuthorizeRequirePKCE(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)
	srv, err := New(store, store, store, store, &Config{
		Issuer:        "https://auth.example.com",
		LoginURL:      "https://app.example.com/login",
		OnboardingURL: "https://app.example.com/onboarding",
		RequirePKCE:   true,
	}, nil)
	testutil.AssertNoError(t, err)
	t.Cleanup(srv.Close)
	client, user := seedClientAndUser(t, store)

	_, aerr := srv.Authorize(context.Background(), validAuthorizeRequest(client), user, "")
	testutil.AssertEqual(t, ErrorCodeInvalidRequest, oauthError(t, aerr).Code)
}

func TestAuthorizeRejectsPlainChallengeMethod(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)

	req := validAuthorizeRequest(client)
	req.CodeChallenge = "not-a-hash"
	req.CodeChallengeMethod = "plain"
	_, err := srv.Authorize(context.Background(), req, user, "")
	testutil.AssertEqual(t, ErrorCodeInvalidRequest, oauthError(t, err).Code)
}

// mintCode issues a code through the full authorize path and returns it.
func mintCode(t *testing.T, srv *Server, client *storage.Client, user *storage.User, challenge string) string {
	t.Helper()
	req := validAuthorizeRequest(client)
	if challenge != "" {
		req.CodeChallenge = challenge
		req.CodeChallengeMethod = "S256"
	}
	target, err := srv.Authorize(context.Background(), req, user, "")
	testutil.AssertNoError(t, err)
	u, perr := url.Parse(target)
	testutil.AssertNoError(t, perr)
	code := u.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %q", target)
	}
	return code
}

func TestExchangeAuthorizationCode(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	challenge, verifier := testutil.GeneratePKCEPair()
	code := mintCode(t, srv, client, user, challenge)

	token, scope, err := srv.ExchangeAuthorizationCode(ctx, code, client.ID, "secret", client.RedirectURIs[0], verifier, "")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, "Bearer", token.TokenType)
	testutil.AssertEqual(t, "openid email", scope)
	if token.AccessToken == "" || token.RefreshToken == "" {
		t.Fatal("expected both tokens to be set")
	}

	at, err := store.GetAccessToken(ctx, token.AccessToken)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, user.ID, at.UserID)
	testutil.AssertEqual(t, "openid email", at.Scope)
}

func TestExchangeCodeIsSingleUse(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	challenge, verifier := testutil.GeneratePKCEPair()
	code := mintCode(t, srv, client, user, challenge)

	_, _, err := srv.ExchangeAuthorizationCode(ctx, code, client.ID, "secret", client.RedirectURIs[0], verifier, "")
	testutil.AssertNoError(t, err)

	_, _, err = srv.ExchangeAuthorizationCode(ctx, code, client.ID, "secret", client.RedirectURIs[0], verifier, "")
	testutil.AssertEqual(t, ErrorCodeInvalidGrant, oauthError(t, err).Code)
}

func TestExchangeWrongRedirectURI(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	challenge, verifier := testutil.GeneratePKCEPair()
	code := mintCode(t, srv, client, user, challenge)

	_, _, err := srv.ExchangeAuthorizationCode(ctx, code, client.ID, "secret", "https://example.com/other", verifier, "")
	testutil.AssertEqual(t, ErrorCodeInvalidGrant, oauthError(t, err).Code)

	// The mismatch must not burn the code.
	_, _, err = srv.ExchangeAuthorizationCode(ctx, code, client.ID, "secret", client.RedirectURIs[0], verifier, "")
	testutil.AssertNoError(t, err)
}

func TestExchangeBadClientSecret(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := mintCode(t, srv, client, user, challenge)

	_, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, client.ID, "wrong", client.RedirectURIs[0], verifier, "")
	testutil.AssertEqual(t, ErrorCodeInvalidClient, oauthError(t, err).Code)
}

func TestExchangePKCEMismatch(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	challenge, _ := testutil.GeneratePKCEPair()
	code := mintCode(t, srv, client, user, challenge)

	tests := []struct {
		name     string
		verifier string
	}{
		{"missing verifier", ""},
		{"wrong verifier", "definitely-not-the-right-verifier-string-here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := srv.ExchangeAuthorizationCode(ctx, code, client.ID, "secret", client.RedirectURIs[0], tt.verifier, "")
			testutil.AssertEqual(t, ErrorCodeInvalidGrant, oauthError(t, err).Code)
		})
	}
}

func TestExchangeExpiredCodeIsBurned(t *testing.T) {
	srv, store := newTestServer(t)
	client, _ := seedClientAndUser(t, store)
	ctx := context.Background()

	ac := testutil.GenerateTestAuthorizationCode()
	ac.CodeChallenge = ""
	ac.CodeChallengeMethod = ""
	ac.ExpiresAt = time.Now().Add(-time.Minute)
	testutil.AssertNoError(t, store.SaveAuthorizationCode(ctx, ac))

	_, _, err := srv.ExchangeAuthorizationCode(ctx, ac.Code, client.ID, "secret", ac.RedirectURI, "", "")
	testutil.AssertEqual(t, ErrorCodeInvalidGrant, oauthError(t, err).Code)

	// The failed attempt consumed the expired code.
	if _, err := store.GetAuthorizationCode(ctx, ac.Code); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected expired code to be deleted by the attempt, got %v", err)
	}
}

func TestExchangeWithoutPKCESucceedsWhenCodeHasNoChallenge(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)

	code := mintCode(t, srv, client, user, "")
	_, _, err := srv.ExchangeAuthorizationCode(context.Background(), code, client.ID, "secret", client.RedirectURIs[0], "", "")
	testutil.AssertNoError(t, err)
}

func TestRefreshRotatesTokenPair(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	code := mintCode(t, srv, client, user, "")
	original, scope, err := srv.ExchangeAuthorizationCode(ctx, code, client.ID, "secret", client.RedirectURIs[0], "", "")
	testutil.AssertNoError(t, err)

	rotated, rscope, err := srv.RefreshAccessToken(ctx, original.RefreshToken, client.ID, "secret", "")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, scope, rscope)
	testutil.AssertNotEqual(t, original.AccessToken, rotated.AccessToken)
	testutil.AssertNotEqual(t, original.RefreshToken, rotated.RefreshToken)

	// The old pair is gone.
	if _, err := store.GetAccessToken(ctx, original.AccessToken); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected old access token to be deleted, got %v", err)
	}
	_, _, err = srv.RefreshAccessToken(ctx, original.RefreshToken, client.ID, "secret", "")
	testutil.AssertEqual(t, ErrorCodeInvalidGrant, oauthError(t, err).Code)

	// The new pair works.
	at, err := store.GetAccessToken(ctx, rotated.AccessToken)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, user.ID, at.UserID)
}

func TestRefreshWrongClient(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	other := testutil.GenerateTestClient()
	other.ID = "other-client"
	testutil.AssertNoError(t, store.SaveClient(ctx, other))

	code := mintCode(t, srv, client, user, "")
	token, _, err := srv.ExchangeAuthorizationCode(ctx, code, client.ID, "secret", client.RedirectURIs[0], "", "")
	testutil.AssertNoError(t, err)

	_, _, err = srv.RefreshAccessToken(ctx, token.RefreshToken, other.ID, "secret", "")
	testutil.AssertEqual(t, ErrorCodeInvalidGrant, oauthError(t, err).Code)

	// The wrong-client attempt must not consume the token.
	_, _, err = srv.RefreshAccessToken(ctx, token.RefreshToken, client.ID, "secret", "")
	testutil.AssertNoError(t, err)
}

func TestRefreshExpiredToken(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	rt := &storage.RefreshToken{
		Token:       "stale-refresh",
		AccessToken: "stale-access",
		ClientID:    client.ID,
		UserID:      user.ID,
		Scope:       "openid",
		ExpiresAt:   time.Now().Add(-time.Minute),
		CreatedAt:   time.Now().Add(-time.Hour),
	}
	testutil.AssertNoError(t, store.SaveRefreshToken(ctx, rt))

	_, _, err := srv.RefreshAccessToken(ctx, "stale-refresh", client.ID, "secret", "")
	testutil.AssertEqual(t, ErrorCodeInvalidGrant, oauthError(t, err).Code)
}

func TestUserInfoClaimsGatedByScope(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	tests := []struct {
		name        string
		scope       string
		wantName    string
		wantEmail   string
		hasVerified bool
	}{
		{"sub only", "openid", "", "", false},
		{"profile", "openid profile", user.Name, "", false},
		{"email", "openid email", "", user.Email, true},
		{"all", "openid profile email", user.Name, user.Email, true},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := &storage.AccessToken{
				Token:     "at-" + tt.name,
				ClientID:  client.ID,
				UserID:    user.ID,
				Scope:     tt.scope,
				ExpiresAt: time.Now().Add(time.Hour),
				CreatedAt: time.Now(),
			}
			testutil.AssertNoError(t, store.SaveAccessToken(ctx, token))

			claims, err := srv.UserInfo(ctx, token.Token)
			testutil.AssertNoError(t, err)
			testutil.AssertEqual(t, user.ID, claims.Sub)
			testutil.AssertEqual(t, tt.wantName, claims.Name)
			testutil.AssertEqual(t, tt.wantEmail, claims.Email)
			if tt.hasVerified != (claims.EmailVerified != nil) {
				t.Errorf("case %d: email_verified presence mismatch", i)
			}
		})
	}
}

func TestUserInfoInvalidToken(t *testing.T) {
	srv, store := newTestServer(t)
	seedClientAndUser(t, store)

	_, err := srv.UserInfo(context.Background(), "no-such-token")
	testutil.AssertEqual(t, ErrorCodeInvalidToken, oauthError(t, err).Code)
}

func TestUserInfoExpiredToken(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	token := &storage.AccessToken{
		Token:     "expired-at",
		ClientID:  client.ID,
		UserID:    user.ID,
		Scope:     "openid",
		ExpiresAt: time.Now().Add(-time.Second),
		CreatedAt: time.Now().Add(-time.Hour),
	}
	testutil.AssertNoError(t, store.SaveAccessToken(ctx, token))

	_, err := srv.UserInfo(ctx, "expired-at")
	testutil.AssertEqual(t, ErrorCodeInvalidToken, oauthError(t, err).Code)
}

func TestAuthenticateClientPublic(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	public := testutil.GenerateTestClient()
	public.ID = "public-client"
	public.ClientType = "public"
	public.SecretHash = ""
	testutil.AssertNoError(t, store.SaveClient(ctx, public))

	client, oerr := srv.authenticateClient(ctx, "public-client", "", "")
	if oerr != nil {
		t.Fatalf("public client should not need a secret: %v", oerr)
	}
	testutil.AssertEqual(t, "public-client", client.ID)
}
