package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gatherkit/oauth/storage"
)

// SaveAccessToken stores an access token with a TTL matching its expiry
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("access token cannot be empty")
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token already expired")
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	key := s.accessTokenKey(token.Token)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	s.logger.Debug("Saved access token",
		"token_prefix", logPrefix(token.Token),
		"client_id", token.ClientID)
	return nil
}

// GetAccessToken retrieves an access token
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.accessTokenKey(token)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: access token", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	var at storage.AccessToken
	if err := json.Unmarshal([]byte(data), &at); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}
	return &at, nil
}

// DeleteAccessToken removes an access token
func (s *Store) DeleteAccessToken(ctx context.Context, token string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.accessTokenKey(token)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	return nil
}

// SaveRefreshToken stores a refresh token with a TTL matching its expiry.
// The paired access token travels inside the JSON, which is what lets the
// consume script delete both in one step.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	key := s.refreshTokenKey(token.Token)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.logger.Debug("Saved refresh token",
		"token_prefix", logPrefix(token.Token),
		"client_id", token.ClientID)
	return nil
}

// ConsumeRefreshToken atomically fetches and deletes the refresh token and
// its paired access token via a Lua script. Exactly one concurrent caller
// succeeds; the rest see ErrNotFound, which is also what a theft replay
// looks like.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token, clientID string) (*storage.RefreshToken, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeRefreshToken).
			Numkeys(1).
			Key(s.refreshTokenKey(token)).
			Arg(clientID, s.prefix+"access:").
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh consume: %w", err)
	}

	if result == "NOT_FOUND" {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}

	var rt storage.RefreshToken
	if err := json.Unmarshal([]byte(result), &rt); err != nil {
		return nil, fmt.Errorf("failed to parse refresh token: %w", err)
	}

	s.logger.Debug("Consumed refresh token",
		"token_prefix", logPrefix(token),
		"client_id", clientID)
	return &rt, nil
}

// deleteAccessTokensWhere deletes every access token matching the predicate
func (s *Store) deleteAccessTokensWhere(ctx context.Context, match func(*storage.AccessToken) bool) error {
	return s.scanKeys(ctx, s.prefix+"access:*", func(key string) error {
		data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
		if err != nil {
			if isNilError(err) {
				return nil
			}
			return err
		}

		var at storage.AccessToken
		if err := json.Unmarshal([]byte(data), &at); err != nil {
			return nil
		}
		if !match(&at) {
			return nil
		}
		return s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error()
	})
}

// deleteRefreshTokensWhere deletes every refresh token matching the predicate
func (s *Store) deleteRefreshTokensWhere(ctx context.Context, match func(*storage.RefreshToken) bool) error {
	return s.scanKeys(ctx, s.prefix+"refresh:*", func(key string) error {
		data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
		if err != nil {
			if isNilError(err) {
				return nil
			}
			return err
		}

		var rt storage.RefreshToken
		if err := json.Unmarshal([]byte(data), &rt); err != nil {
			return nil
		}
		if !match(&rt) {
			return nil
		}
		return s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error()
	})
}
