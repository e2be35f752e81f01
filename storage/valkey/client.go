package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/gatherkit/oauth/storage"
)

// dummyBcryptHash is compared against when a client does not exist, so
// secret validation takes the same time either way.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// SaveClient creates or replaces a client registration. Client records
// never expire.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ID, "client_type", client.ClientType)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var client storage.Client
	if err := json.Unmarshal([]byte(data), &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &client, nil
}

// GetClientByOrigin returns the client registered for the browser origin.
// Client registrations are few, so a key scan is acceptable here.
func (s *Store) GetClientByOrigin(ctx context.Context, origin string) (*storage.Client, error) {
	if origin == "" {
		return nil, fmt.Errorf("%w: client by origin", storage.ErrNotFound)
	}

	var found *storage.Client
	err := s.scanKeys(ctx, s.prefix+"client:*", func(key string) error {
		data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
		if err != nil {
			if isNilError(err) {
				return nil
			}
			return err
		}
		var client storage.Client
		if err := json.Unmarshal([]byte(data), &client); err != nil {
			return err
		}
		if client.AllowedOrigin == origin {
			found = &client
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan clients: %w", err)
	}
	if found == nil {
		return nil, fmt.Errorf("%w: client by origin", storage.ErrNotFound)
	}
	return found, nil
}

// ValidateClientSecret validates a client's secret using bcrypt. A dummy
// comparison runs when the client is unknown so the response time does not
// reveal which client IDs exist.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, secret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(secret))
		return err
	}

	if client.SecretHash == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(secret))
		return fmt.Errorf("client %s has no secret configured", clientID)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		return fmt.Errorf("invalid client secret: %w", err)
	}
	return nil
}

// DeleteClient removes a client and everything issued to it. Codes and
// tokens belonging to the client are found by scanning; their volume is
// bounded by the short TTLs on those keys.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	key := s.clientKey(clientID)

	deleted, err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}

	if err := s.deleteCodesWhere(ctx, func(ac *storage.AuthorizationCode) bool {
		return ac.ClientID == clientID
	}); err != nil {
		return err
	}
	if err := s.deleteAccessTokensWhere(ctx, func(at *storage.AccessToken) bool {
		return at.ClientID == clientID
	}); err != nil {
		return err
	}
	if err := s.deleteRefreshTokensWhere(ctx, func(rt *storage.RefreshToken) bool {
		return rt.ClientID == clientID
	}); err != nil {
		return err
	}

	s.logger.Debug("Deleted client with cascade", "client_id", clientID)
	return nil
}
