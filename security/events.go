package security

// Event type constants for security audit logging. Using constants keeps
// event names consistent across the codebase and greppable in log
// aggregation.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when an access/refresh token pair is issued
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated into a new pair
	EventTokenRefreshed = "token_refreshed"

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is minted
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventCodeRedemptionFailed is logged when code redemption fails for any
	// reason (unknown, expired, replayed, or binding mismatch). The reason is
	// recorded here even though the client only ever sees invalid_grant.
	EventCodeRedemptionFailed = "code_redemption_failed"

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when a redirect_uri fails exact-match validation
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client requests scopes
	// beyond its registration
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// Email verification events

	// EventMFACodeIssued is logged when a verification code is emailed
	EventMFACodeIssued = "mfa_code_issued"

	// EventMFACodeVerified is logged when a verification code is consumed successfully
	EventMFACodeVerified = "mfa_code_verified"

	// EventMFAVerificationFailed is logged when a submitted code is wrong,
	// expired, or unknown
	EventMFAVerificationFailed = "mfa_verification_failed"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a per-IP rate limit trips
	EventRateLimitExceeded = "rate_limit_exceeded"
)
