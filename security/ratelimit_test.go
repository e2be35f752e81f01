package security

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(10, 5, nil)
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("request %d within burst was denied", i+1)
		}
	}
}

func TestRateLimiterDeniesBeyondBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	defer rl.Stop()

	rl.Allow("1.2.3.4")
	rl.Allow("1.2.3.4")

	if rl.Allow("1.2.3.4") {
		t.Error("request beyond burst was allowed")
	}
}

func TestRateLimiterPerMinute(t *testing.T) {
	rl := NewRateLimiterPerMinute(1, 1, nil)
	defer rl.Stop()

	if !rl.Allow("1.2.3.4") {
		t.Fatal("first request within burst was denied")
	}
	for i := 0; i < 10; i++ {
		if rl.Allow("1.2.3.4") {
			t.Fatal("one-per-minute refill allowed an immediate retry")
		}
	}
}

func TestRateLimiterIsolatesIdentifiers(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()

	if !rl.Allow("1.1.1.1") {
		t.Fatal("first request for first identifier denied")
	}
	if rl.Allow("1.1.1.1") {
		t.Fatal("second request for first identifier allowed")
	}
	if !rl.Allow("2.2.2.2") {
		t.Error("exhausting one identifier affected another")
	}
}

func TestRateLimiterLRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 3, nil)
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("ip-%d", i))
	}

	stats := rl.GetStats()
	if stats.CurrentEntries != 3 {
		t.Errorf("CurrentEntries = %d, want 3", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 2 {
		t.Errorf("TotalEvictions = %d, want 2", stats.TotalEvictions)
	}

	// ip-0 and ip-1 were evicted, so ip-0 starts a fresh bucket
	if !rl.Allow("ip-0") {
		t.Error("evicted identifier should get a fresh bucket")
	}
}

func TestRateLimiterCleanupRemovesIdleEntries(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()

	rl.Allow("stale-ip")
	time.Sleep(10 * time.Millisecond)
	rl.Cleanup(time.Millisecond)

	stats := rl.GetStats()
	if stats.CurrentEntries != 0 {
		t.Errorf("CurrentEntries after cleanup = %d, want 0", stats.CurrentEntries)
	}
	if stats.TotalCleanups != 1 {
		t.Errorf("TotalCleanups = %d, want 1", stats.TotalCleanups)
	}
}

func TestRateLimiterConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(100, 100, nil)
	defer rl.Stop()

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				rl.Allow(fmt.Sprintf("ip-%d", n%3))
			}
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
