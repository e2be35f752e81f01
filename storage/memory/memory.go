// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatherkit/oauth/instrumentation"
	"github.com/gatherkit/oauth/internal/util"
	"github.com/gatherkit/oauth/security"
	"github.com/gatherkit/oauth/storage"
)

// tokenIDLogLength is the number of characters to include when logging
// token and code values. Enough for correlation, useless for replay.
const tokenIDLogLength = 8

// dummyBcryptHash is compared against when a client does not exist, so
// secret validation takes the same time either way.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client

	codes         map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	// access token -> paired refresh token, for cascading deletes
	refreshByAccess map[string]string

	mfaCodes map[string]*storage.MFACode

	users        map[string]*storage.User
	usersByEmail map[string]string
	profiles     map[string]*storage.Profile

	sessions           map[string]*storage.Session
	verificationTokens map[string]*storage.VerificationToken

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:            make(map[string]*storage.Client),
		codes:              make(map[string]*storage.AuthorizationCode),
		accessTokens:       make(map[string]*storage.AccessToken),
		refreshTokens:      make(map[string]*storage.RefreshToken),
		refreshByAccess:    make(map[string]string),
		mfaCodes:           make(map[string]*storage.MFACode),
		users:              make(map[string]*storage.User),
		usersByEmail:       make(map[string]string),
		profiles:           make(map[string]*storage.Profile),
		sessions:           make(map[string]*storage.Session),
		verificationTokens: make(map[string]*storage.VerificationToken),
		cleanupInterval:    cleanupInterval,
		stopCleanup:        make(chan struct{}),
		logger:             slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient creates or replaces a client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_client", err, startTime) }()

	if client == nil || client.ID == "" {
		err = fmt.Errorf("client ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ID] = client
	s.logger.Debug("Saved client", "client_id", client.ID, "client_type", client.ClientType)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		return nil, err
	}
	return client, nil
}

// GetClientByOrigin returns the client registered for the browser origin
func (s *Store) GetClientByOrigin(ctx context.Context, origin string) (*storage.Client, error) {
	if origin == "" {
		return nil, fmt.Errorf("%w: client by origin", storage.ErrNotFound)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, client := range s.clients {
		if client.AllowedOrigin == origin {
			return client, nil
		}
	}
	return nil, fmt.Errorf("%w: client by origin", storage.ErrNotFound)
}

// ValidateClientSecret validates a client's secret using bcrypt. A dummy
// comparison runs when the client is unknown so the response time does not
// reveal which client IDs exist.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, secret string) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(secret))
		return fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
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

// DeleteClient removes a client and everything issued to it
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}

	delete(s.clients, clientID)

	for code, ac := range s.codes {
		if ac.ClientID == clientID {
			delete(s.codes, code)
		}
	}
	for token, at := range s.accessTokens {
		if at.ClientID == clientID {
			delete(s.accessTokens, token)
			delete(s.refreshByAccess, token)
		}
	}
	for token, rt := range s.refreshTokens {
		if rt.ClientID == clientID {
			delete(s.refreshTokens, token)
		}
	}

	s.logger.Debug("Deleted client with cascade", "client_id", clientID)
	return nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode stores a new authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("authorization code cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.codes[code.Code] = code
	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves a code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	return ac, nil
}

// ConsumeAuthorizationCode atomically fetches and deletes an authorization
// code. The write lock spans the lookup and the delete, so once a caller
// sees the record no other caller can.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, clientID, redirectURI string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "consume_authorization_code", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		return nil, err
	}

	// Binding mismatches leave the record untouched. Only a fully
	// matching redemption consumes the code.
	if ac.ClientID != clientID || ac.RedirectURI != redirectURI {
		err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		return nil, err
	}

	delete(s.codes, code)

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
		"client_id", clientID)
	return ac, nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveAccessToken stores an access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("access token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessTokens[token.Token] = token
	s.logger.Debug("Saved access token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetAccessToken retrieves an access token
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	ctx, span := s.startSpan(ctx, "get_access_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "get_access_token", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.accessTokens[token]
	if !ok {
		err = fmt.Errorf("%w: access token", storage.ErrNotFound)
		return nil, err
	}
	return at, nil
}

// DeleteAccessToken removes an access token
func (s *Store) DeleteAccessToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accessTokens, token)
	delete(s.refreshByAccess, token)
	return nil
}

// SaveRefreshToken stores a refresh token and records its pairing with the
// access token minted alongside it
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshTokens[token.Token] = token
	if token.AccessToken != "" {
		s.refreshByAccess[token.AccessToken] = token.Token
	}
	s.logger.Debug("Saved refresh token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// ConsumeRefreshToken atomically fetches and deletes a refresh token and
// its paired access token. Under concurrent rotation exactly one caller
// gets the record; the rest see ErrNotFound.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token, clientID string) (*storage.RefreshToken, error) {
	ctx, span := s.startSpan(ctx, "consume_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "consume_refresh_token", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		err = fmt.Errorf("%w: refresh token", storage.ErrNotFound)
		return nil, err
	}

	if rt.ClientID != clientID {
		err = fmt.Errorf("%w: refresh token", storage.ErrNotFound)
		return nil, err
	}

	delete(s.refreshTokens, token)
	if rt.AccessToken != "" {
		delete(s.accessTokens, rt.AccessToken)
		delete(s.refreshByAccess, rt.AccessToken)
	}

	s.logger.Debug("Consumed refresh token",
		"token_prefix", util.SafeTruncate(token, tokenIDLogLength),
		"client_id", clientID)
	return rt, nil
}

// ============================================================
// MFACodeStore
// ============================================================

// SaveMFACode stores an email verification code
func (s *Store) SaveMFACode(ctx context.Context, code *storage.MFACode) error {
	if code == nil || code.ID == "" {
		return fmt.Errorf("MFA code ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.mfaCodes[code.ID] = code
	s.logger.Debug("Saved MFA code", "code_id", code.ID)
	return nil
}

// GetMFACode returns a code by ID, consumed or not
func (s *Store) GetMFACode(ctx context.Context, id string) (*storage.MFACode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.mfaCodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: MFA code %s", storage.ErrNotFound, id)
	}
	return code, nil
}

// LatestUnconsumedMFACode returns the most recently created unconsumed
// code for the email, expired or not. Expiry handling belongs to the
// verification engine.
func (s *Store) LatestUnconsumedMFACode(ctx context.Context, email string) (*storage.MFACode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *storage.MFACode
	for _, code := range s.mfaCodes {
		if code.Email != email || code.Consumed() {
			continue
		}
		if latest == nil || code.CreatedAt.After(latest.CreatedAt) {
			latest = code
		}
	}

	if latest == nil {
		return nil, fmt.Errorf("%w: MFA code for email", storage.ErrNotFound)
	}
	return latest, nil
}

// MarkMFACodeConsumed stamps the code's consumption time
func (s *Store) MarkMFACodeConsumed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.mfaCodes[id]
	if !ok {
		return fmt.Errorf("%w: MFA code %s", storage.ErrNotFound, id)
	}
	code.ConsumedAt = &at
	return nil
}

// IncrementMFACodeAttempts bumps the failed-attempt counter
func (s *Store) IncrementMFACodeAttempts(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.mfaCodes[id]
	if !ok {
		return fmt.Errorf("%w: MFA code %s", storage.ErrNotFound, id)
	}
	code.Attempts++
	return nil
}

// DeleteUnconsumedMFACodes removes all unconsumed codes for an email
func (s *Store) DeleteUnconsumedMFACodes(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, code := range s.mfaCodes {
		if code.Email == email && !code.Consumed() {
			delete(s.mfaCodes, id)
		}
	}
	return nil
}

// DeleteMFACode removes a single code by ID
func (s *Store) DeleteMFACode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.mfaCodes, id)
	return nil
}

// ============================================================
// UserStore
// ============================================================

// CreateUser persists a new user and provisions an empty profile row
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	ctx, span := s.startSpan(ctx, "create_user")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "create_user", err, startTime) }()

	if user == nil || user.ID == "" {
		err = fmt.Errorf("user ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		err = fmt.Errorf("%w: user %s", storage.ErrAlreadyExists, user.ID)
		return err
	}
	if user.Email != "" {
		if _, exists := s.usersByEmail[user.Email]; exists {
			err = fmt.Errorf("%w: email already registered", storage.ErrAlreadyExists)
			return err
		}
	}

	s.users[user.ID] = user
	if user.Email != "" {
		s.usersByEmail[user.Email] = user.ID
	}
	s.profiles[user.ID] = &storage.Profile{
		UserID:    user.ID,
		CreatedAt: user.CreatedAt,
	}

	s.logger.Debug("Created user with profile", "user_id", user.ID)
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", storage.ErrNotFound, userID)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email address
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.usersByEmail[email]
	if !ok {
		return nil, fmt.Errorf("%w: user by email", storage.ErrNotFound)
	}
	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", storage.ErrNotFound, userID)
	}
	return user, nil
}

// UpdateUser replaces an existing user record
func (s *Store) UpdateUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.ID]
	if !ok {
		return fmt.Errorf("%w: user %s", storage.ErrNotFound, user.ID)
	}

	if existing.Email != user.Email {
		delete(s.usersByEmail, existing.Email)
		if user.Email != "" {
			s.usersByEmail[user.Email] = user.ID
		}
	}
	s.users[user.ID] = user
	return nil
}

// DeleteUser removes a user and everything attached to them
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", storage.ErrNotFound, userID)
	}

	delete(s.users, userID)
	delete(s.usersByEmail, user.Email)
	delete(s.profiles, userID)

	for token, session := range s.sessions {
		if session.UserID == userID {
			delete(s.sessions, token)
		}
	}
	for code, ac := range s.codes {
		if ac.UserID == userID {
			delete(s.codes, code)
		}
	}
	for token, at := range s.accessTokens {
		if at.UserID == userID {
			delete(s.accessTokens, token)
			delete(s.refreshByAccess, token)
		}
	}
	for token, rt := range s.refreshTokens {
		if rt.UserID == userID {
			delete(s.refreshTokens, token)
		}
	}
	for id, code := range s.mfaCodes {
		if code.Email == user.Email {
			delete(s.mfaCodes, id)
		}
	}

	s.logger.Debug("Deleted user with cascade", "user_id", userID)
	return nil
}

// GetProfile retrieves the profile row for a user
func (s *Store) GetProfile(ctx context.Context, userID string) (*storage.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("%w: profile for user %s", storage.ErrNotFound, userID)
	}
	return profile, nil
}

// ============================================================
// SessionStore
// ============================================================

// SaveSession stores a browser session
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	if session == nil || session.Token == "" {
		return fmt.Errorf("session token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.Token] = session
	return nil
}

// GetSessionWithUser returns the session and its user. Expired sessions
// are deleted on read.
func (s *Store) GetSessionWithUser(ctx context.Context, token string) (*storage.Session, *storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[token]
	if !ok {
		return nil, nil, fmt.Errorf("%w: session", storage.ErrNotFound)
	}

	if security.IsExpired(session.ExpiresAt) {
		delete(s.sessions, token)
		return nil, nil, fmt.Errorf("%w: session expired", storage.ErrNotFound)
	}

	user, ok := s.users[session.UserID]
	if !ok {
		delete(s.sessions, token)
		return nil, nil, fmt.Errorf("%w: session user", storage.ErrNotFound)
	}

	return session, user, nil
}

// UpdateSessionExpiry extends or shortens a session's lifetime
func (s *Store) UpdateSessionExpiry(ctx context.Context, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[token]
	if !ok {
		return fmt.Errorf("%w: session", storage.ErrNotFound)
	}
	session.ExpiresAt = expiresAt
	return nil
}

// DeleteSession removes a session
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, token)
	return nil
}

// SaveVerificationToken stores a verification token
func (s *Store) SaveVerificationToken(ctx context.Context, vt *storage.VerificationToken) error {
	if vt == nil || vt.Identifier == "" || vt.Token == "" {
		return fmt.Errorf("verification token identifier and token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.verificationTokens[verificationKey(vt.Identifier, vt.Token)] = vt
	return nil
}

// UseVerificationToken atomically fetches and deletes a verification
// token. Expired tokens are deleted and reported as not found.
func (s *Store) UseVerificationToken(ctx context.Context, identifier, token string) (*storage.VerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := verificationKey(identifier, token)
	vt, ok := s.verificationTokens[key]
	if !ok {
		return nil, fmt.Errorf("%w: verification token", storage.ErrNotFound)
	}

	delete(s.verificationTokens, key)

	if security.IsExpired(vt.ExpiresAt) {
		return nil, fmt.Errorf("%w: verification token expired", storage.ErrNotFound)
	}
	return vt, nil
}

func verificationKey(identifier, token string) string {
	return identifier + "\x00" + token
}

// ============================================================
// Sweeper
// ============================================================

// Sweep removes all expired records and returns the number removed
func (s *Store) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(), nil
}

// sweepLocked deletes expired records. Caller holds the write lock.
func (s *Store) sweepLocked() int {
	now := time.Now()
	removed := 0

	for code, ac := range s.codes {
		if security.IsExpiredAt(ac.ExpiresAt, now) {
			delete(s.codes, code)
			removed++
		}
	}
	for token, at := range s.accessTokens {
		if security.IsExpiredAt(at.ExpiresAt, now) {
			delete(s.accessTokens, token)
			delete(s.refreshByAccess, token)
			removed++
		}
	}
	for token, rt := range s.refreshTokens {
		if security.IsExpiredAt(rt.ExpiresAt, now) {
			delete(s.refreshTokens, token)
			removed++
		}
	}
	for id, code := range s.mfaCodes {
		if security.IsExpiredAt(code.ExpiresAt, now) || code.Consumed() {
			delete(s.mfaCodes, id)
			removed++
		}
	}
	for token, session := range s.sessions {
		if security.IsExpiredAt(session.ExpiresAt, now) {
			delete(s.sessions, token)
			removed++
		}
	}
	for key, vt := range s.verificationTokens {
		if security.IsExpiredAt(vt.ExpiresAt, now) {
			delete(s.verificationTokens, key)
			removed++
		}
	}

	return removed
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.mu.Lock()
			removed := s.sweepLocked()
			s.mu.Unlock()
			if removed > 0 {
				s.logger.Debug("Storage cleanup completed", "removed", removed)
			}
		}
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

func (s *Store) recordOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	if s.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}
	durationMs := float64(time.Since(startTime).Microseconds()) / 1000.0
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
