package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gatherkit/oauth/internal/testutil"
	"github.com/gatherkit/oauth/storage"
	"github.com/gatherkit/oauth/storage/memory"
)

func newTestAdapter(t *testing.T) (*Adapter, *memory.Store) {
	t.Helper()
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)
	return NewAdapter(store, store, nil), store
}

func TestCreateUserGeneratesIDAndProfile(t *testing.T) {
	adapter, store := newTestAdapter(t)
	ctx := context.Background()

	user, err := adapter.CreateUser(ctx, &storage.User{
		Email: "user@example.com",
		Name:  "Test User",
	})
	testutil.AssertNoError(t, err)
	if user.ID == "" {
		t.Fatal("expected generated user ID")
	}
	if user.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	profile, err := store.GetProfile(ctx, user.ID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, user.ID, profile.UserID)
}

func TestCreateUserKeepsSuppliedID(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	user, err := adapter.CreateUser(context.Background(), &storage.User{
		ID:    "fixed-id",
		Email: "fixed@example.com",
	})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, "fixed-id", user.ID)
}

func TestGetUserByEmailEmptyIsNotFound(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	_, err := adapter.GetUserByEmail(context.Background(), "")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	user, err := adapter.CreateUser(ctx, &storage.User{Email: "user@example.com"})
	testutil.AssertNoError(t, err)

	_, err = adapter.CreateSession(ctx, "sess-token", user.ID, time.Now().Add(time.Hour))
	testutil.AssertNoError(t, err)

	sess, owner, err := adapter.GetSessionWithUser(ctx, "sess-token")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, user.ID, sess.UserID)
	testutil.AssertEqual(t, user.ID, owner.ID)

	newExpiry := time.Now().Add(2 * time.Hour)
	testutil.AssertNoError(t, adapter.UpdateSessionExpiry(ctx, "sess-token", newExpiry))

	testutil.AssertNoError(t, adapter.DeleteSession(ctx, "sess-token"))
	if _, _, err := adapter.GetSessionWithUser(ctx, "sess-token"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestExpiredSessionDeletedOnRead(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	user, err := adapter.CreateUser(ctx, &storage.User{Email: "user@example.com"})
	testutil.AssertNoError(t, err)

	_, err = adapter.CreateSession(ctx, "stale", user.ID, time.Now().Add(-time.Minute))
	testutil.AssertNoError(t, err)

	if _, _, err := adapter.GetSessionWithUser(ctx, "stale"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired session, got %v", err)
	}
	// The expired row is gone, so a later expiry update has no target.
	if err := adapter.UpdateSessionExpiry(ctx, "stale", time.Now().Add(time.Hour)); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry deletion, got %v", err)
	}
}

func TestVerificationTokenSingleUse(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	_, err := adapter.CreateVerificationToken(ctx, "user@example.com", "vt-1", time.Now().Add(time.Hour))
	testutil.AssertNoError(t, err)

	vt, err := adapter.UseVerificationToken(ctx, "user@example.com", "vt-1")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, "user@example.com", vt.Identifier)

	if _, err := adapter.UseVerificationToken(ctx, "user@example.com", "vt-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second use, got %v", err)
	}
}

func TestCookieSessionsUserFromRequest(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	user, err := adapter.CreateUser(ctx, &storage.User{Email: "user@example.com", Onboarded: true})
	testutil.AssertNoError(t, err)
	_, err = adapter.CreateSession(ctx, "cookie-token", user.ID, time.Now().Add(time.Hour))
	testutil.AssertNoError(t, err)

	reader := NewCookieSessions(adapter, "")

	r := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "cookie-token"})

	got, err := reader.UserFromRequest(r)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, user.ID, got.ID)
	testutil.AssertTrue(t, got.Onboarded)
}

func TestCookieSessionsMissingCookie(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	reader := NewCookieSessions(adapter, "sid")

	r := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	if _, err := reader.UserFromRequest(r); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound without cookie, got %v", err)
	}
}

func TestCookieSessionsUnknownToken(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	reader := NewCookieSessions(adapter, "sid")

	r := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	r.AddCookie(&http.Cookie{Name: "sid", Value: "nope"})
	if _, err := reader.UserFromRequest(r); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown token, got %v", err)
	}
}
