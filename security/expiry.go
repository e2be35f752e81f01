package security

import "time"

// IsExpired reports whether a record with the given expiry is no longer
// valid. The comparison is strict: a record whose expiry equals the current
// instant is already expired. No clock skew grace is applied, so a token's
// stored lifetime is its true upper bound.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredAt(expiresAt, time.Now())
}

// IsExpiredAt is IsExpired against an explicit clock, for deterministic
// tests.
func IsExpiredAt(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt)
}
