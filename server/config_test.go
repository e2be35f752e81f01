package server

import (
	"log/slog"
	"testing"
	"time"

	"github.com/gatherkit/oauth/internal/testutil"
	"github.com/gatherkit/oauth/security"
	"github.com/gatherkit/oauth/storage/memory"
)

func TestApplySecureDefaults(t *testing.T) {
	config := applySecureDefaults(&Config{}, slog.Default())

	testutil.AssertEqual(t, int64(600), config.AuthorizationCodeTTL)
	testutil.AssertEqual(t, int64(3600), config.AccessTokenTTL)
	testutil.AssertEqual(t, int64(2592000), config.RefreshTokenTTL)
	testutil.AssertEqual(t, 1, config.TrustedProxyCount)
	testutil.AssertEqual(t, 60, config.RateLimitPerMinute)
	testutil.AssertEqual(t, 10, config.RateLimitBurst)
}

func TestApplySecureDefaultsKeepsExplicitValues(t *testing.T) {
	config := applySecureDefaults(&Config{
		AuthorizationCodeTTL: 120,
		AccessTokenTTL:       1800,
		RefreshTokenTTL:      86400,
		TrustedProxyCount:    2,
	}, slog.Default())

	testutil.AssertEqual(t, int64(120), config.AuthorizationCodeTTL)
	testutil.AssertEqual(t, int64(1800), config.AccessTokenTTL)
	testutil.AssertEqual(t, int64(86400), config.RefreshTokenTTL)
	testutil.AssertEqual(t, 2, config.TrustedProxyCount)
}

func TestNewRequiresStoresAndURLs(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	config := &Config{LoginURL: "https://app.example.com/login", OnboardingURL: "https://app.example.com/onboarding"}

	if _, err := New(nil, store, store, store, config, nil); err == nil {
		t.Error("expected error without client store")
	}
	if _, err := New(store, nil, store, store, config, nil); err == nil {
		t.Error("expected error without code store")
	}
	if _, err := New(store, store, nil, store, config, nil); err == nil {
		t.Error("expected error without token store")
	}
	if _, err := New(store, store, store, nil, config, nil); err == nil {
		t.Error("expected error without user store")
	}
	if _, err := New(store, store, store, store, &Config{OnboardingURL: "x"}, nil); err == nil {
		t.Error("expected error without login URL")
	}
	if _, err := New(store, store, store, store, &Config{LoginURL: "x"}, nil); err == nil {
		t.Error("expected error without onboarding URL")
	}
}

func TestNewBuildsRateLimiterFromConfig(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	srv, err := New(store, store, store, store, &Config{
		LoginURL:           "https://app.example.com/login",
		OnboardingURL:      "https://app.example.com/onboarding",
		RateLimitPerMinute: 1,
		RateLimitBurst:     1,
	}, nil)
	testutil.AssertNoError(t, err)
	t.Cleanup(srv.Close)

	if srv.RateLimiter == nil {
		t.Fatal("New should install a rate limiter from the config knobs")
	}

	testutil.AssertTrue(t, srv.RateLimiter.Allow("203.0.113.9"))
	for i := 0; i < 50; i++ {
		if srv.RateLimiter.Allow("203.0.113.9") {
			t.Fatal("request beyond the configured burst was allowed")
		}
	}
}

func TestSetRateLimiterReplacesConfigLimiter(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	srv, err := New(store, store, store, store, &Config{
		LoginURL:      "https://app.example.com/login",
		OnboardingURL: "https://app.example.com/onboarding",
	}, nil)
	testutil.AssertNoError(t, err)
	t.Cleanup(srv.Close)

	rl := security.NewRateLimiter(1, 2, nil)
	t.Cleanup(rl.Stop)
	srv.SetRateLimiter(rl)

	if srv.RateLimiter != rl {
		t.Error("SetRateLimiter should install the injected limiter")
	}
}
