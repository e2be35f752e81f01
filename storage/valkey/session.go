package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gatherkit/oauth/storage"
)

// SaveSession stores a session with a TTL matching its expiry
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	if session == nil || session.Token == "" {
		return fmt.Errorf("session token cannot be empty")
	}

	ttl := calculateTTL(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.sessionKey(session.Token)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSessionWithUser returns the session and its user. Expiry is enforced
// by the key's TTL, so an expired session is simply absent.
func (s *Store) GetSessionWithUser(ctx context.Context, token string) (*storage.Session, *storage.User, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.sessionKey(token)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, nil, fmt.Errorf("%w: session", storage.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session storage.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	user, err := s.GetUser(ctx, session.UserID)
	if err != nil {
		if isNotFound(err) {
			_ = s.DeleteSession(ctx, token)
			return nil, nil, fmt.Errorf("%w: session user", storage.ErrNotFound)
		}
		return nil, nil, err
	}

	return &session, user, nil
}

// UpdateSessionExpiry rewrites the session with a fresh TTL
func (s *Store) UpdateSessionExpiry(ctx context.Context, token string, expiresAt time.Time) error {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.sessionKey(token)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("%w: session", storage.ErrNotFound)
		}
		return fmt.Errorf("failed to get session: %w", err)
	}

	var session storage.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return fmt.Errorf("failed to unmarshal session: %w", err)
	}
	session.ExpiresAt = expiresAt

	ttl := calculateTTL(expiresAt)
	if ttl <= 0 {
		return s.DeleteSession(ctx, token)
	}

	updated, err := json.Marshal(&session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.sessionKey(token)).Value(string(updated)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// DeleteSession removes a session
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.sessionKey(token)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// SaveVerificationToken stores a verification token with a TTL matching
// its expiry
func (s *Store) SaveVerificationToken(ctx context.Context, vt *storage.VerificationToken) error {
	if vt == nil || vt.Identifier == "" || vt.Token == "" {
		return fmt.Errorf("verification token identifier and token cannot be empty")
	}

	ttl := calculateTTL(vt.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("verification token already expired")
	}

	data, err := json.Marshal(vt)
	if err != nil {
		return fmt.Errorf("failed to marshal verification token: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.verificationKey(vt.Identifier, vt.Token)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save verification token: %w", err)
	}
	return nil
}

// UseVerificationToken atomically fetches and deletes a verification token
// with GETDEL. Expired tokens have already aged out via TTL.
func (s *Store) UseVerificationToken(ctx context.Context, identifier, token string) (*storage.VerificationToken, error) {
	data, err := s.client.Do(ctx,
		s.client.B().Getdel().Key(s.verificationKey(identifier, token)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: verification token", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to use verification token: %w", err)
	}

	var vt storage.VerificationToken
	if err := json.Unmarshal([]byte(data), &vt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verification token: %w", err)
	}
	return &vt, nil
}

// deleteSessionsWhere deletes every session matching the predicate
func (s *Store) deleteSessionsWhere(ctx context.Context, match func(*storage.Session) bool) error {
	return s.scanKeys(ctx, s.prefix+"session:*", func(key string) error {
		data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
		if err != nil {
			if isNilError(err) {
				return nil
			}
			return err
		}

		var sess storage.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil
		}
		if !match(&sess) {
			return nil
		}
		return s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error()
	})
}
