// Package valkey provides a Valkey/Redis-backed implementation of all
// storage interfaces. Expiring records carry native TTLs, and the
// single-use consume operations run as Lua scripts so they stay atomic
// across server instances.
package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/gatherkit/oauth/internal/util"
	"github.com/gatherkit/oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// tokenIDLogLength is the number of characters to include when logging
	// token and code values
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys fetched per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout bounds the initial PING
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed storage instance. Returns an error if
// the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// ============================================================
// Key Helpers
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

func (s *Store) accessTokenKey(token string) string {
	return fmt.Sprintf("%saccess:%s", s.prefix, token)
}

func (s *Store) refreshTokenKey(token string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, token)
}

// mfaKey holds the single live verification code per email address
func (s *Store) mfaKey(email string) string {
	return fmt.Sprintf("%smfa:%s", s.prefix, email)
}

// mfaIDKey maps a code ID back to its email for by-ID operations
func (s *Store) mfaIDKey(id string) string {
	return fmt.Sprintf("%smfaid:%s", s.prefix, id)
}

func (s *Store) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s", s.prefix, userID)
}

func (s *Store) userEmailKey(email string) string {
	return fmt.Sprintf("%suseremail:%s", s.prefix, email)
}

func (s *Store) profileKey(userID string) string {
	return fmt.Sprintf("%sprofile:%s", s.prefix, userID)
}

func (s *Store) sessionKey(token string) string {
	return fmt.Sprintf("%ssession:%s", s.prefix, token)
}

func (s *Store) verificationKey(identifier, token string) string {
	return fmt.Sprintf("%sverification:%s:%s", s.prefix, identifier, token)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// The single-use consume operations run as Lua scripts so the
// check-and-delete is one atomic step on the server. Under concurrent
// redemption exactly one caller receives the record; the rest see
// NOT_FOUND.

// luaConsumeAuthorizationCode atomically fetches and deletes an
// authorization code, but only when the stored client_id and redirect_uri
// both match. A binding mismatch leaves the record untouched.
//
// KEYS[1] = code key
// ARGV[1] = expected client_id
// ARGV[2] = expected redirect_uri
//
// Returns the original JSON on success, "NOT_FOUND" otherwise.
const luaConsumeAuthorizationCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)
if code.client_id ~= ARGV[1] or code.redirect_uri ~= ARGV[2] then
    return 'NOT_FOUND'
end

redis.call('DEL', KEYS[1])
return data
`

// luaConsumeRefreshToken atomically fetches and deletes a refresh token
// and its paired access token. The token must belong to the expected
// client; a mismatch leaves both records untouched.
//
// KEYS[1] = refresh token key
// ARGV[1] = expected client_id
// ARGV[2] = access token key prefix (the paired access token name comes
//           from the stored JSON)
//
// Returns the original JSON on success, "NOT_FOUND" otherwise.
const luaConsumeRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local token = cjson.decode(data)
if token.client_id ~= ARGV[1] then
    return 'NOT_FOUND'
end

redis.call('DEL', KEYS[1])
if token.access_token and token.access_token ~= '' then
    redis.call('DEL', ARGV[2] .. token.access_token)
end
return data
`

// luaIncrementMFAAttempts bumps the failed-attempt counter in place so
// concurrent wrong guesses cannot lose increments to a get/set race.
//
// KEYS[1] = mfa email key
// ARGV[1] = expected code id
//
// Returns 1 on success, 0 when the key is gone or holds a different code.
const luaIncrementMFAAttempts = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end

local code = cjson.decode(data)
if code.id ~= ARGV[1] then
    return 0
end

code.attempts = (code.attempts or 0) + 1
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')
return 1
`

// ============================================================
// Shared helpers
// ============================================================

// isNilError reports whether an error is the Valkey nil reply
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// calculateTTL converts an absolute expiry into a TTL, 0 if already past
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func logPrefix(v string) string {
	return util.SafeTruncate(v, tokenIDLogLength)
}

// scanKeys iterates all keys matching pattern and passes each to fn
func (s *Store) scanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}

		for _, key := range result.Elements {
			if err := fn(key); err != nil {
				return err
			}
		}

		cursor = result.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// Sweep is a no-op for the Valkey backend: every expiring record is
// written with a native TTL, so the server reclaims them without help.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	return 0, nil
}
