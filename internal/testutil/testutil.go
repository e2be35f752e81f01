// Package testutil provides testing utilities shared across the module.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/gatherkit/oauth/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.now = t
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair.
// The challenge is the base64url-encoded S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// HashMFACode returns the hex-encoded SHA-256 hash of a verification code,
// matching how codes are stored at rest.
func HashMFACode(code string) string {
	hash := sha256.Sum256([]byte(code))
	return hex.EncodeToString(hash[:])
}

// GenerateTestClient creates a confidential test client. The secret hash
// corresponds to the plaintext "secret".
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ID:            "test-client-id",
		Name:          "Test Client",
		ClientType:    "confidential",
		SecretHash:    "$2a$10$3ogv0SNtdcoh0izBI4i7GeiKWwBZEkdMNAc4Tt6r/48neFDDMTlb2",
		RedirectURIs:  []string{"https://example.com/callback"},
		AllowedOrigin: "https://example.com",
		Scopes:        []string{"openid", "email", "profile"},
		Active:        true,
		CreatedAt:     time.Now(),
	}
}

// GenerateTestAuthorizationCode creates a test authorization code valid
// for 10 minutes
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(32),
		ClientID:            "test-client-id",
		UserID:              "test-user-123",
		RedirectURI:         "https://example.com/callback",
		Scope:               "openid email profile",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(10 * time.Minute),
	}
}

// GenerateTestUser creates a verified, onboarded test user
func GenerateTestUser() *storage.User {
	return &storage.User{
		ID:            "test-user-123",
		Email:         "test@example.com",
		EmailVerified: true,
		Name:          "Test User",
		Picture:       "https://example.com/photo.jpg",
		Onboarded:     true,
		CreatedAt:     time.Now(),
	}
}

// GenerateTestMFACode creates an unconsumed verification code for the
// email. The stored hash corresponds to the plaintext "123456".
func GenerateTestMFACode(email string) *storage.MFACode {
	return &storage.MFACode{
		ID:        GenerateRandomString(16),
		Email:     email,
		CodeHash:  HashMFACode("123456"),
		ExpiresAt: time.Now().Add(10 * time.Minute),
		CreatedAt: time.Now(),
	}
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertNotEqual fails the test if got == want
func AssertNotEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got == want {
		t.Errorf("got %v, want different value", got)
	}
}

// AssertTrue fails the test if condition is false
func AssertTrue(t *testing.T, condition bool, message ...string) {
	t.Helper()
	if !condition {
		t.Errorf("assertion failed: expected true %s", firstOrEmpty(message))
	}
}

// AssertFalse fails the test if condition is true
func AssertFalse(t *testing.T, condition bool, message ...string) {
	t.Helper()
	if condition {
		t.Errorf("assertion failed: expected false %s", firstOrEmpty(message))
	}
}

func firstOrEmpty(message []string) string {
	if len(message) == 0 {
		return ""
	}
	return message[0]
}

// AssertStringContains fails the test if s does not contain substr
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	found := false
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}
