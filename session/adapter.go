// Package session bridges the authorization server's storage to the host
// application's session-management layer: user, session, and
// verification-token primitives plus a cookie-backed session reader.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gatherkit/oauth/storage"
)

// Adapter exposes user/session/verification-token operations over a
// storage backend. The host's session layer talks to this type instead
// of the store directly.
type Adapter struct {
	users    storage.UserStore
	sessions storage.SessionStore
	logger   *slog.Logger
}

// NewAdapter creates a session adapter over the given stores.
func NewAdapter(users storage.UserStore, sessions storage.SessionStore, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{users: users, sessions: sessions, logger: logger}
}

// CreateUser persists a new user, generating an ID when none is supplied.
// An empty profile is provisioned alongside the account.
func (a *Adapter) CreateUser(ctx context.Context, user *storage.User) (*storage.User, error) {
	if user == nil {
		return nil, fmt.Errorf("user cannot be nil")
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	if err := a.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	a.logger.Debug("Created user", "user_id", user.ID)
	return user, nil
}

// GetUser returns a user by ID. A user with no stored email is reported
// with an empty Email string, never a sentinel value.
func (a *Adapter) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	return a.users.GetUser(ctx, userID)
}

// GetUserByEmail returns the user registered under the address.
func (a *Adapter) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: user by email", storage.ErrNotFound)
	}
	return a.users.GetUserByEmail(ctx, email)
}

// UpdateUser persists changes to an existing user.
func (a *Adapter) UpdateUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}
	return a.users.UpdateUser(ctx, user)
}

// DeleteUser removes the user and everything issued to them.
func (a *Adapter) DeleteUser(ctx context.Context, userID string) error {
	return a.users.DeleteUser(ctx, userID)
}

// GetProfile returns the user's profile.
func (a *Adapter) GetProfile(ctx context.Context, userID string) (*storage.Profile, error) {
	return a.users.GetProfile(ctx, userID)
}

// CreateSession stores a new session binding the token to the user.
func (a *Adapter) CreateSession(ctx context.Context, token, userID string, expiresAt time.Time) (*storage.Session, error) {
	if token == "" || userID == "" {
		return nil, fmt.Errorf("session token and user ID are required")
	}
	sess := &storage.Session{
		Token:     token,
		UserID:    userID,
		ExpiresAt: expiresAt,
	}
	if err := a.sessions.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSessionWithUser returns the session and its owner. An expired
// session is deleted on read and reported as ErrNotFound.
func (a *Adapter) GetSessionWithUser(ctx context.Context, token string) (*storage.Session, *storage.User, error) {
	return a.sessions.GetSessionWithUser(ctx, token)
}

// UpdateSessionExpiry extends or shortens a session's lifetime.
func (a *Adapter) UpdateSessionExpiry(ctx context.Context, token string, expiresAt time.Time) error {
	return a.sessions.UpdateSessionExpiry(ctx, token, expiresAt)
}

// DeleteSession removes a session.
func (a *Adapter) DeleteSession(ctx context.Context, token string) error {
	return a.sessions.DeleteSession(ctx, token)
}

// CreateVerificationToken stores a single-use token for the identifier.
func (a *Adapter) CreateVerificationToken(ctx context.Context, identifier, token string, expiresAt time.Time) (*storage.VerificationToken, error) {
	if identifier == "" || token == "" {
		return nil, fmt.Errorf("identifier and token are required")
	}
	vt := &storage.VerificationToken{
		Identifier: identifier,
		Token:      token,
		ExpiresAt:  expiresAt,
	}
	if err := a.sessions.SaveVerificationToken(ctx, vt); err != nil {
		return nil, err
	}
	return vt, nil
}

// UseVerificationToken atomically fetches and deletes the token. A second
// use, or a use after expiry, returns ErrNotFound.
func (a *Adapter) UseVerificationToken(ctx context.Context, identifier, token string) (*storage.VerificationToken, error) {
	return a.sessions.UseVerificationToken(ctx, identifier, token)
}
