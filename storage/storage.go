// Package storage defines the persistence contracts for the authorization
// server: OAuth clients, authorization codes, access and refresh tokens,
// email verification codes, users, and browser sessions.
//
// Implementations must be safe for concurrent use. The Consume* operations
// carry single-use semantics: the record is atomically fetched and deleted
// in one step, so under concurrent redemption exactly one caller wins.
package storage

import (
	"context"
	"errors"
	"time"
)

// Common storage errors. Implementations return these sentinels (possibly
// wrapped) so callers can branch with errors.Is.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Client is a registered OAuth client application.
type Client struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ClientType string    `json:"client_type"` // "public" or "confidential"

	// SecretHash is the bcrypt hash of the client secret. Empty for
	// public clients, which authenticate by possession of the PKCE
	// verifier alone.
	SecretHash string `json:"secret_hash,omitempty"`

	// RedirectURIs are the exact-match callback URIs the client may use.
	RedirectURIs []string `json:"redirect_uris"`

	// AllowedOrigin is the single browser origin permitted to make
	// cross-origin requests on behalf of this client. Empty disables
	// CORS for the client entirely.
	AllowedOrigin string `json:"allowed_origin,omitempty"`

	// Scopes is the full set of scopes the client may request.
	Scopes []string `json:"scopes"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// IsPublic reports whether the client is a public client (no secret).
func (c *Client) IsPublic() bool {
	return c.ClientType == "public"
}

// HasRedirectURI reports whether uri exactly matches one of the client's
// registered redirect URIs. Matching is literal and case-sensitive.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AuthorizationCode is a single-use code binding an authenticated user to a
// client's pending authorization request.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	ExpiresAt           time.Time `json:"expires_at"`
	CreatedAt           time.Time `json:"created_at"`
}

// AccessToken is an opaque bearer token granting API access.
type AccessToken struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// RefreshToken is an opaque token used to obtain a fresh access token.
// Each refresh token is paired 1:1 with the access token it was minted
// alongside; consuming the refresh token destroys both.
type RefreshToken struct {
	Token       string    `json:"token"`
	AccessToken string    `json:"access_token"`
	ClientID    string    `json:"client_id"`
	UserID      string    `json:"user_id"`
	Scope       string    `json:"scope"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// MFACode is a short-lived email verification code. Only the SHA-256 hash
// of the code is persisted.
type MFACode struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	CodeHash   string     `json:"code_hash"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Consumed reports whether the code has already been redeemed.
func (c *MFACode) Consumed() bool {
	return c.ConsumedAt != nil
}

// User is an account known to the authorization server.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"email_verified"`
	Name          string    `json:"name,omitempty"`
	Picture       string    `json:"picture,omitempty"`
	Onboarded     bool      `json:"onboarded"`
	CreatedAt     time.Time `json:"created_at"`
}

// Profile holds the extended per-user profile row provisioned alongside
// each user record.
type Profile struct {
	UserID    string    `json:"user_id"`
	Bio       string    `json:"bio,omitempty"`
	Location  string    `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a browser session as written by the host application's
// session layer.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VerificationToken is a single-use token keyed by (identifier, token),
// used for email verification links.
type VerificationToken struct {
	Identifier string    `json:"identifier"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ClientStore manages registered OAuth clients.
type ClientStore interface {
	// SaveClient creates or replaces a client registration.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns the client or ErrNotFound.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// GetClientByOrigin returns the client whose AllowedOrigin equals
	// origin, or ErrNotFound. Used by the CORS preflight path, which
	// carries no client_id.
	GetClientByOrigin(ctx context.Context, origin string) (*Client, error)

	// ValidateClientSecret compares a plaintext secret against the
	// stored bcrypt hash. Returns nil on match.
	ValidateClientSecret(ctx context.Context, clientID, secret string) error

	// DeleteClient removes the client and cascades to its authorization
	// codes, access tokens, and refresh tokens.
	DeleteClient(ctx context.Context, clientID string) error
}

// CodeStore manages single-use authorization codes.
type CodeStore interface {
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns the code without consuming it, or
	// ErrNotFound.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically fetches and deletes the code.
	// The record is deleted only when code, clientID, and redirectURI all
	// match; a mismatch returns ErrNotFound and leaves the record in
	// place. Exactly one concurrent caller can succeed. Expiry is not
	// checked here; callers check it after the delete, so an expired code
	// is still burned by the consume attempt.
	ConsumeAuthorizationCode(ctx context.Context, code, clientID, redirectURI string) (*AuthorizationCode, error)
}

// TokenStore manages access and refresh tokens.
type TokenStore interface {
	SaveAccessToken(ctx context.Context, token *AccessToken) error
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)
	DeleteAccessToken(ctx context.Context, token string) error

	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// ConsumeRefreshToken atomically fetches and deletes the refresh
	// token along with its paired access token. The token must belong to
	// clientID or ErrNotFound is returned. Exactly one concurrent caller
	// can succeed; rotation then mints a brand-new pair.
	ConsumeRefreshToken(ctx context.Context, token, clientID string) (*RefreshToken, error)
}

// MFACodeStore manages email verification codes.
type MFACodeStore interface {
	SaveMFACode(ctx context.Context, code *MFACode) error

	// GetMFACode returns a code by ID, consumed or not.
	GetMFACode(ctx context.Context, id string) (*MFACode, error)

	// LatestUnconsumedMFACode returns the most recently issued code for
	// the email that has not been consumed, or ErrNotFound.
	LatestUnconsumedMFACode(ctx context.Context, email string) (*MFACode, error)

	// MarkMFACodeConsumed stamps the code's consumption time.
	MarkMFACodeConsumed(ctx context.Context, id string, at time.Time) error

	// IncrementMFACodeAttempts bumps the failed-attempt counter.
	IncrementMFACodeAttempts(ctx context.Context, id string) error

	// DeleteUnconsumedMFACodes removes all unconsumed codes for the
	// email. Issuing a new code calls this first so only one code is
	// live per address.
	DeleteUnconsumedMFACodes(ctx context.Context, email string) error

	// DeleteMFACode removes a single code by ID.
	DeleteMFACode(ctx context.Context, id string) error
}

// UserStore manages user accounts and their profiles.
type UserStore interface {
	// CreateUser persists a new user and provisions an empty profile row
	// in the same operation.
	CreateUser(ctx context.Context, user *User) error

	GetUser(ctx context.Context, userID string) (*User, error)

	// GetUserByEmail returns the user with the given email address, or
	// ErrNotFound.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	UpdateUser(ctx context.Context, user *User) error

	// DeleteUser removes the user and cascades to the profile, sessions,
	// tokens, and codes issued to the user.
	DeleteUser(ctx context.Context, userID string) error

	GetProfile(ctx context.Context, userID string) (*Profile, error)
}

// SessionStore manages browser sessions and verification tokens on behalf
// of the host application.
type SessionStore interface {
	SaveSession(ctx context.Context, session *Session) error

	// GetSessionWithUser returns the session and its user. An expired
	// session is deleted on read and reported as ErrNotFound.
	GetSessionWithUser(ctx context.Context, token string) (*Session, *User, error)

	UpdateSessionExpiry(ctx context.Context, token string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, token string) error

	SaveVerificationToken(ctx context.Context, vt *VerificationToken) error

	// UseVerificationToken atomically fetches and deletes the token
	// matching (identifier, token). Expired tokens are deleted and
	// reported as ErrNotFound.
	UseVerificationToken(ctx context.Context, identifier, token string) (*VerificationToken, error)
}

// Sweeper removes expired records. Backends with native TTL support may
// implement this as a no-op.
type Sweeper interface {
	// Sweep deletes expired authorization codes, tokens, MFA codes,
	// sessions, and verification tokens. Returns the number of records
	// removed.
	Sweep(ctx context.Context) (int, error)
}

// Store is the full persistence surface the authorization server needs.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
	MFACodeStore
	UserStore
	SessionStore
	Sweeper
}
