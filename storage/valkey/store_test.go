package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gatherkit/oauth/internal/testutil"
	"github.com/gatherkit/oauth/storage"
)

// testStore connects to a local Valkey instance. Tests are skipped when no
// server is reachable. Each test gets a unique key prefix for isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("oauthtest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	err := s.scanKeys(ctx, s.prefix+"*", func(key string) error {
		return s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error()
	})
	if err != nil {
		t.Logf("Warning: failed to clean up test keys: %v", err)
	}
}

func TestNew_MissingAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for missing address")
	}
}

func TestClientRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	testutil.AssertNoError(t, s.SaveClient(ctx, client))

	got, err := s.GetClient(ctx, client.ID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.Name, client.Name)
	testutil.AssertEqual(t, got.AllowedOrigin, client.AllowedOrigin)

	if _, err := s.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown client error = %v, want ErrNotFound", err)
	}
}

func TestValidateClientSecret(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.DefaultCost)
	testutil.AssertNoError(t, err)

	client := testutil.GenerateTestClient()
	client.SecretHash = string(hash)
	testutil.AssertNoError(t, s.SaveClient(ctx, client))

	testutil.AssertNoError(t, s.ValidateClientSecret(ctx, client.ID, "s3cret"))
	testutil.AssertError(t, s.ValidateClientSecret(ctx, client.ID, "wrong"))
	testutil.AssertError(t, s.ValidateClientSecret(ctx, "unknown", "s3cret"))
}

func TestConsumeAuthorizationCode(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ac := testutil.GenerateTestAuthorizationCode()
	testutil.AssertNoError(t, s.SaveAuthorizationCode(ctx, ac))

	got, err := s.ConsumeAuthorizationCode(ctx, ac.Code, ac.ClientID, ac.RedirectURI)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.UserID, ac.UserID)

	// Delete-as-consume: second redemption sees nothing
	if _, err := s.ConsumeAuthorizationCode(ctx, ac.Code, ac.ClientID, ac.RedirectURI); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("replayed code error = %v, want ErrNotFound", err)
	}
}

func TestConsumeAuthorizationCodeBindingMismatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ac := testutil.GenerateTestAuthorizationCode()
	testutil.AssertNoError(t, s.SaveAuthorizationCode(ctx, ac))

	if _, err := s.ConsumeAuthorizationCode(ctx, ac.Code, "other-client", ac.RedirectURI); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("client mismatch error = %v, want ErrNotFound", err)
	}
	if _, err := s.ConsumeAuthorizationCode(ctx, ac.Code, ac.ClientID, "https://evil.example/cb"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("redirect mismatch error = %v, want ErrNotFound", err)
	}

	// Mismatches must not burn the record
	_, err := s.ConsumeAuthorizationCode(ctx, ac.Code, ac.ClientID, ac.RedirectURI)
	testutil.AssertNoError(t, err)
}

func TestAuthorizationCodeTTL(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ac := testutil.GenerateTestAuthorizationCode()
	ac.ExpiresAt = time.Now().Add(time.Second)
	testutil.AssertNoError(t, s.SaveAuthorizationCode(ctx, ac))

	time.Sleep(1500 * time.Millisecond)

	if _, err := s.GetAuthorizationCode(ctx, ac.Code); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired code error = %v, want ErrNotFound", err)
	}
}

func TestConsumeRefreshTokenDeletesPair(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	testutil.AssertNoError(t, s.SaveAccessToken(ctx, &storage.AccessToken{
		Token: "access-1", ClientID: "client-1", UserID: "user-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	testutil.AssertNoError(t, s.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token: "refresh-1", AccessToken: "access-1", ClientID: "client-1", UserID: "user-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	got, err := s.ConsumeRefreshToken(ctx, "refresh-1", "client-1")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.UserID, "user-1")

	if _, err := s.GetAccessToken(ctx, "access-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("paired access token survived refresh consume")
	}
	if _, err := s.ConsumeRefreshToken(ctx, "refresh-1", "client-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("refresh token redeemable twice")
	}
}

func TestConsumeRefreshTokenWrongClient(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	testutil.AssertNoError(t, s.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token: "refresh-wc", ClientID: "client-1", UserID: "user-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	if _, err := s.ConsumeRefreshToken(ctx, "refresh-wc", "client-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("wrong client error = %v, want ErrNotFound", err)
	}

	_, err := s.ConsumeRefreshToken(ctx, "refresh-wc", "client-1")
	testutil.AssertNoError(t, err)
}

func TestMFACodeFlow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestMFACode("a@example.com")
	testutil.AssertNoError(t, s.SaveMFACode(ctx, code))

	got, err := s.LatestUnconsumedMFACode(ctx, "a@example.com")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.ID, code.ID)

	testutil.AssertNoError(t, s.IncrementMFACodeAttempts(ctx, code.ID))
	got, err = s.LatestUnconsumedMFACode(ctx, "a@example.com")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.Attempts, 1)

	testutil.AssertNoError(t, s.MarkMFACodeConsumed(ctx, code.ID, time.Now()))
	if _, err := s.LatestUnconsumedMFACode(ctx, "a@example.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("consumed code still returned: %v", err)
	}
}

func TestIncrementMFACodeAttemptsConcurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestMFACode("c@example.com")
	testutil.AssertNoError(t, s.SaveMFACode(ctx, code))

	const guesses = 10
	var wg sync.WaitGroup
	for i := 0; i < guesses; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.IncrementMFACodeAttempts(ctx, code.ID); err != nil {
				t.Errorf("IncrementMFACodeAttempts: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.LatestUnconsumedMFACode(ctx, "c@example.com")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.Attempts, guesses)
}

func TestMFACodeReplacement(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := testutil.GenerateTestMFACode("b@example.com")
	testutil.AssertNoError(t, s.SaveMFACode(ctx, first))
	testutil.AssertNoError(t, s.DeleteUnconsumedMFACodes(ctx, "b@example.com"))

	second := testutil.GenerateTestMFACode("b@example.com")
	testutil.AssertNoError(t, s.SaveMFACode(ctx, second))

	got, err := s.LatestUnconsumedMFACode(ctx, "b@example.com")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.ID, second.ID)
}

func TestUserLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	user := testutil.GenerateTestUser()
	testutil.AssertNoError(t, s.CreateUser(ctx, user))

	profile, err := s.GetProfile(ctx, user.ID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, profile.UserID, user.ID)

	byEmail, err := s.GetUserByEmail(ctx, user.Email)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, byEmail.ID, user.ID)

	dup := testutil.GenerateTestUser()
	dup.ID = "someone-else"
	if err := s.CreateUser(ctx, dup); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("duplicate email error = %v, want ErrAlreadyExists", err)
	}

	user.Onboarded = true
	user.Name = "Renamed"
	testutil.AssertNoError(t, s.UpdateUser(ctx, user))
	got, err := s.GetUser(ctx, user.ID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.Name, "Renamed")

	testutil.AssertNoError(t, s.DeleteUser(ctx, user.ID))
	if _, err := s.GetUser(ctx, user.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Error("user survived deletion")
	}
	if _, err := s.GetUserByEmail(ctx, user.Email); !errors.Is(err, storage.ErrNotFound) {
		t.Error("email index survived deletion")
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	user := testutil.GenerateTestUser()
	testutil.AssertNoError(t, s.CreateUser(ctx, user))

	session := &storage.Session{
		Token: "sess-1", UserID: user.ID, ExpiresAt: time.Now().Add(time.Hour),
	}
	testutil.AssertNoError(t, s.SaveSession(ctx, session))

	gotSession, gotUser, err := s.GetSessionWithUser(ctx, "sess-1")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, gotSession.UserID, user.ID)
	testutil.AssertEqual(t, gotUser.Email, user.Email)

	testutil.AssertNoError(t, s.UpdateSessionExpiry(ctx, "sess-1", time.Now().Add(2*time.Hour)))

	testutil.AssertNoError(t, s.DeleteSession(ctx, "sess-1"))
	if _, _, err := s.GetSessionWithUser(ctx, "sess-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("session survived deletion")
	}
}

func TestUseVerificationTokenSingleUse(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	testutil.AssertNoError(t, s.SaveVerificationToken(ctx, &storage.VerificationToken{
		Identifier: "a@example.com",
		Token:      "verify-1",
		ExpiresAt:  time.Now().Add(time.Hour),
	}))

	got, err := s.UseVerificationToken(ctx, "a@example.com", "verify-1")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.Identifier, "a@example.com")

	if _, err := s.UseVerificationToken(ctx, "a@example.com", "verify-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second use error = %v, want ErrNotFound", err)
	}
}

func TestDeleteClientCascades(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	testutil.AssertNoError(t, s.SaveClient(ctx, client))

	ac := testutil.GenerateTestAuthorizationCode()
	ac.ClientID = client.ID
	testutil.AssertNoError(t, s.SaveAuthorizationCode(ctx, ac))
	testutil.AssertNoError(t, s.SaveAccessToken(ctx, &storage.AccessToken{
		Token: "cascade-at", ClientID: client.ID, UserID: "u",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	testutil.AssertNoError(t, s.DeleteClient(ctx, client.ID))

	if _, err := s.GetAuthorizationCode(ctx, ac.Code); !errors.Is(err, storage.ErrNotFound) {
		t.Error("authorization code survived client deletion")
	}
	if _, err := s.GetAccessToken(ctx, "cascade-at"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("access token survived client deletion")
	}
}
