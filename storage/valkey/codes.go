package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gatherkit/oauth/storage"
)

// SaveAuthorizationCode stores a code with a TTL matching its expiry
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	key := s.codeKey(code.Code)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", logPrefix(code.Code),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves a code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.codeKey(code)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var ac storage.AuthorizationCode
	if err := json.Unmarshal([]byte(data), &ac); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return &ac, nil
}

// ConsumeAuthorizationCode atomically fetches and deletes the code via a
// Lua script. Only one concurrent redemption can succeed across all
// server instances sharing this backend.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, clientID, redirectURI string) (*storage.AuthorizationCode, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeAuthorizationCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(clientID, redirectURI).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code consume: %w", err)
	}

	if result == "NOT_FOUND" {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}

	var ac storage.AuthorizationCode
	if err := json.Unmarshal([]byte(result), &ac); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	s.logger.Debug("Consumed authorization code",
		"code_prefix", logPrefix(code),
		"client_id", clientID)
	return &ac, nil
}

// deleteCodesWhere deletes every stored code matching the predicate
func (s *Store) deleteCodesWhere(ctx context.Context, match func(*storage.AuthorizationCode) bool) error {
	return s.scanKeys(ctx, s.prefix+"code:*", func(key string) error {
		data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
		if err != nil {
			if isNilError(err) {
				return nil
			}
			return err
		}

		var ac storage.AuthorizationCode
		if err := json.Unmarshal([]byte(data), &ac); err != nil {
			return nil
		}
		if !match(&ac) {
			return nil
		}
		return s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error()
	})
}
