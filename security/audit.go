package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. User IDs and
// email addresses are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	Email     string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	attrs := []any{
		"event_type", event.Type,
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"timestamp", event.Timestamp,
	}
	if event.UserID != "" {
		attrs = append(attrs, "user_id_hash", hashForLogging(event.UserID))
	}
	if event.Email != "" {
		attrs = append(attrs, "email_hash", hashForLogging(event.Email))
	}
	if event.Details != nil {
		attrs = append(attrs, "details", event.Details)
	}

	a.logger.Info("security_audit", attrs...)
}

// LogTokenIssued logs the issuance of an access/refresh token pair
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs a successful refresh token rotation
func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"rotated": true,
		},
	})
}

// LogCodeRedemptionFailed records why a code redemption failed. The client
// response stays a bare invalid_grant; the reason lives only here.
func (a *Auditor) LogCodeRedemptionFailed(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventCodeRedemptionFailed,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, userID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogMFACodeIssued logs that a verification code was sent to an address
func (a *Auditor) LogMFACodeIssued(email, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventMFACodeIssued,
		Email:     email,
		IPAddress: ipAddress,
	})
}

// LogMFACodeVerified logs a successful email verification
func (a *Auditor) LogMFACodeVerified(email, ipAddress string, consumed bool) {
	a.LogEvent(Event{
		Type:      EventMFACodeVerified,
		Email:     email,
		IPAddress: ipAddress,
		Details: map[string]any{
			"consumed": consumed,
		},
	})
}

// LogMFAVerificationFailed logs a failed email verification attempt. The
// caller sees only a generic failure; the reason is recorded here.
func (a *Auditor) LogMFAVerificationFailed(email, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventMFAVerificationFailed,
		Email:     email,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
