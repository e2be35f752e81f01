package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gatherkit/oauth/storage"
)

// CreateUser persists a new user and provisions an empty profile row. The
// email uniqueness check rides on SET NX against the email index key.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}

	if user.Email != "" {
		ok, err := s.client.Do(ctx,
			s.client.B().Set().Key(s.userEmailKey(user.Email)).Value(user.ID).Nx().Build(),
		).AsBool()
		if err != nil && !isNilError(err) {
			return fmt.Errorf("failed to reserve email: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: email already registered", storage.ErrAlreadyExists)
		}
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.userKey(user.ID)).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	profile := &storage.Profile{UserID: user.ID, CreatedAt: user.CreatedAt}
	profileData, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.profileKey(user.ID)).Value(string(profileData)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}

	s.logger.Debug("Created user with profile", "user_id", user.ID)
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.userKey(userID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: user %s", storage.ErrNotFound, userID)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var user storage.User
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &user, nil
}

// GetUserByEmail retrieves a user through the email index
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	userID, err := s.client.Do(ctx, s.client.B().Get().Key(s.userEmailKey(email)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: user by email", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve email: %w", err)
	}
	return s.GetUser(ctx, userID)
}

// UpdateUser replaces an existing user record, moving the email index if
// the address changed
func (s *Store) UpdateUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}

	existing, err := s.GetUser(ctx, user.ID)
	if err != nil {
		return err
	}

	if existing.Email != user.Email {
		if existing.Email != "" {
			if err := s.client.Do(ctx,
				s.client.B().Del().Key(s.userEmailKey(existing.Email)).Build(),
			).Error(); err != nil {
				return fmt.Errorf("failed to remove old email index: %w", err)
			}
		}
		if user.Email != "" {
			if err := s.client.Do(ctx,
				s.client.B().Set().Key(s.userEmailKey(user.Email)).Value(user.ID).Build(),
			).Error(); err != nil {
				return fmt.Errorf("failed to write email index: %w", err)
			}
		}
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.userKey(user.ID)).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// DeleteUser removes a user and everything attached to them
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.userKey(userID)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if user.Email != "" {
		if err := s.client.Do(ctx, s.client.B().Del().Key(s.userEmailKey(user.Email)).Build()).Error(); err != nil {
			return fmt.Errorf("failed to delete email index: %w", err)
		}
		if err := s.DeleteUnconsumedMFACodes(ctx, user.Email); err != nil {
			return err
		}
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.profileKey(userID)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}

	if err := s.deleteSessionsWhere(ctx, func(sess *storage.Session) bool {
		return sess.UserID == userID
	}); err != nil {
		return err
	}
	if err := s.deleteCodesWhere(ctx, func(ac *storage.AuthorizationCode) bool {
		return ac.UserID == userID
	}); err != nil {
		return err
	}
	if err := s.deleteAccessTokensWhere(ctx, func(at *storage.AccessToken) bool {
		return at.UserID == userID
	}); err != nil {
		return err
	}
	if err := s.deleteRefreshTokensWhere(ctx, func(rt *storage.RefreshToken) bool {
		return rt.UserID == userID
	}); err != nil {
		return err
	}

	s.logger.Debug("Deleted user with cascade", "user_id", userID)
	return nil
}

// GetProfile retrieves the profile row for a user
func (s *Store) GetProfile(ctx context.Context, userID string) (*storage.Profile, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.profileKey(userID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: profile for user %s", storage.ErrNotFound, userID)
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	var profile storage.Profile
	if err := json.Unmarshal([]byte(data), &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return &profile, nil
}
