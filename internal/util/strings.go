// Package util provides small shared helpers that don't belong in a
// domain-specific package.
package util

// SafeTruncate truncates a string to maxLen characters without panicking.
// Returns the original string when it is shorter than maxLen. This is used
// when logging sensitive values like tokens and authorization codes, where
// only a short prefix should ever appear in logs.
//
// If maxLen is negative, it is treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
