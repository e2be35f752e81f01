// Package mfa implements the email verification code engine: six-digit
// numeric codes, hashed at rest, delivered over the mail sender and
// verified with consume-on-success semantics.
package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/gatherkit/oauth/instrumentation"
	"github.com/gatherkit/oauth/mail"
	"github.com/gatherkit/oauth/security"
	"github.com/gatherkit/oauth/storage"
)

// CodeTTL is how long an issued verification code stays valid.
const CodeTTL = 10 * time.Minute

// codeDigits is the length of the numeric code.
const codeDigits = 6

// Config holds the engine's dependencies. Store and Sender are required.
type Config struct {
	Store  storage.MFACodeStore
	Sender mail.Sender

	// Logger receives operational logs (default slog.Default())
	Logger *slog.Logger

	// Auditor receives security audit events (optional)
	Auditor *security.Auditor

	// Metrics receives counters (optional)
	Metrics *instrumentation.Metrics

	// VerifyURL, when set, is included in the email as a one-click
	// verification link: VerifyURL?email=...&code=...
	VerifyURL string

	// DevMode surfaces raw codes to the log for manual testing. Never
	// enable in production.
	DevMode bool

	// Now overrides the clock in tests
	Now func() time.Time
}

// Engine issues and verifies email verification codes.
type Engine struct {
	store     storage.MFACodeStore
	sender    mail.Sender
	logger    *slog.Logger
	auditor   *security.Auditor
	metrics   *instrumentation.Metrics
	verifyURL string
	devMode   bool
	now       func() time.Time
}

// NewEngine creates a verification code engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:     cfg.Store,
		sender:    cfg.Sender,
		logger:    logger,
		auditor:   cfg.Auditor,
		metrics:   cfg.Metrics,
		verifyURL: cfg.VerifyURL,
		devMode:   cfg.DevMode,
		now:       now,
	}, nil
}

// CreateVerification issues a fresh code for the email and dispatches it.
// Any previously issued unconsumed code for the email is deleted first, so
// at most one live code exists per address. A mail dispatch failure is
// fatal: the stored code is removed and the error returned, since the
// caller cannot otherwise know the code never reached the user.
func (e *Engine) CreateVerification(ctx context.Context, email, ipAddress string) error {
	if email == "" {
		return fmt.Errorf("email is required")
	}

	// Opportunistically clear out expired records before issuing.
	if sweeper, ok := e.store.(storage.Sweeper); ok {
		if _, err := sweeper.Sweep(ctx); err != nil {
			e.logger.Warn("expiry sweep failed", "error", err)
		}
	}

	if err := e.store.DeleteUnconsumedMFACodes(ctx, email); err != nil {
		return fmt.Errorf("failed to replace existing verification code: %w", err)
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("failed to generate verification code: %w", err)
	}

	issuedAt := e.now()
	record := &storage.MFACode{
		ID:        uuid.NewString(),
		Email:     email,
		CodeHash:  HashCode(code),
		ExpiresAt: issuedAt.Add(CodeTTL),
		Attempts:  0,
		CreatedAt: issuedAt,
	}

	if err := e.store.SaveMFACode(ctx, record); err != nil {
		return fmt.Errorf("failed to save verification code: %w", err)
	}

	if err := e.sender.Send(ctx, email, "Your verification code", e.message(email, code)); err != nil {
		// The user never received the code, so don't leave it redeemable.
		if delErr := e.store.DeleteMFACode(ctx, record.ID); delErr != nil {
			e.logger.Warn("failed to delete undelivered verification code",
				"code_id", record.ID,
				"error", delErr,
			)
		}
		return fmt.Errorf("failed to send verification code: %w", err)
	}

	if e.devMode {
		e.logger.Info("verification code issued (dev mode)",
			"email", email,
			"code", code,
		)
	}

	e.auditor.LogMFACodeIssued(email, ipAddress)
	if e.metrics != nil {
		e.metrics.RecordMFACodeIssued(ctx)
	}
	return nil
}

// VerifyCode checks a submitted code against the latest unconsumed code
// for the email. When consume is true a successful match marks the code
// consumed, so it cannot be verified a second time.
//
// All failure modes report plain false: no live code, an expired code,
// a hash mismatch, and storage errors alike. An expired code is burned
// (marked consumed) on its first check so it cannot be retried. A
// mismatch increments the record's attempt counter; the counter is audit
// data, no lockout threshold is enforced here.
func (e *Engine) VerifyCode(ctx context.Context, email, code string, consume bool) bool {
	return e.verifyCode(ctx, email, code, consume, "")
}

// VerifyCodeFrom is VerifyCode with a client IP attached to the audit
// trail.
func (e *Engine) VerifyCodeFrom(ctx context.Context, email, code string, consume bool, ipAddress string) bool {
	return e.verifyCode(ctx, email, code, consume, ipAddress)
}

func (e *Engine) verifyCode(ctx context.Context, email, code string, consume bool, ipAddress string) bool {
	if email == "" || code == "" {
		return e.fail(ctx, email, ipAddress, "missing email or code")
	}

	record, err := e.store.LatestUnconsumedMFACode(ctx, email)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.logger.Error("verification code lookup failed", "error", err)
		}
		return e.fail(ctx, email, ipAddress, "no active code")
	}

	if security.IsExpiredAt(record.ExpiresAt, e.now()) {
		// Burn the expired code so it cannot be retried.
		if err := e.store.MarkMFACodeConsumed(ctx, record.ID, e.now()); err != nil {
			e.logger.Error("failed to burn expired verification code",
				"code_id", record.ID,
				"error", err,
			)
		}
		return e.fail(ctx, email, ipAddress, "code expired")
	}

	if subtle.ConstantTimeCompare([]byte(record.CodeHash), []byte(HashCode(code))) != 1 {
		if err := e.store.IncrementMFACodeAttempts(ctx, record.ID); err != nil {
			e.logger.Error("failed to increment verification attempts",
				"code_id", record.ID,
				"error", err,
			)
		}
		return e.fail(ctx, email, ipAddress, "code mismatch")
	}

	if consume {
		if err := e.store.MarkMFACodeConsumed(ctx, record.ID, e.now()); err != nil {
			// Fail closed: a code we cannot consume must not verify.
			e.logger.Error("failed to consume verification code",
				"code_id", record.ID,
				"error", err,
			)
			return e.fail(ctx, email, ipAddress, "consume failed")
		}
	}

	e.auditor.LogMFACodeVerified(email, ipAddress, consume)
	if e.metrics != nil {
		e.metrics.RecordMFAVerification(ctx, true)
	}
	return true
}

func (e *Engine) fail(ctx context.Context, email, ipAddress, reason string) bool {
	e.auditor.LogMFAVerificationFailed(email, ipAddress, reason)
	if e.metrics != nil {
		e.metrics.RecordMFAVerification(ctx, false)
	}
	return false
}

func (e *Engine) message(email, code string) string {
	body := fmt.Sprintf("Your verification code is: %s\n\nIt expires in %d minutes.\n", code, int(CodeTTL.Minutes()))
	if e.verifyURL != "" {
		body += fmt.Sprintf("\nOr verify with one click:\n%s?email=%s&code=%s\n",
			e.verifyURL, url.QueryEscape(email), code)
	}
	return body
}

// HashCode returns the hex SHA-256 digest stored in place of the raw code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// generateCode produces a 6-digit numeric code with leading zeros
// preserved.
func generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}
