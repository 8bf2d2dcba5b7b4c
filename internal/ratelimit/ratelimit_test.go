package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestAllowConsumesBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("10.0.0.1"); err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
	}
	if err := l.Allow("10.0.0.1"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Allow after burst = %v, want ErrRateLimited", err)
	}
}

func TestClientsHaveIndependentBuckets(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("10.0.0.1"); err != nil {
		t.Fatalf("first client: %v", err)
	}
	if err := l.Allow("10.0.0.1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("first client second call = %v, want ErrRateLimited", err)
	}
	if err := l.Allow("10.0.0.2"); err != nil {
		t.Errorf("second client blocked by first client's bucket: %v", err)
	}
}

func TestUnlimitedMode(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("anyone"); err != nil {
			t.Fatalf("unlimited Allow %d: %v", i, err)
		}
	}
}

func TestBucketRefills(t *testing.T) {
	// 6000/min = 100/s, so a drained one-token bucket refills within
	// tens of milliseconds.
	l := NewLimiter(Config{RequestsPerMinute: 6000, BurstSize: 1})

	if err := l.Allow("c"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := l.Allow("c"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("drained bucket = %v, want ErrRateLimited", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := l.Allow("c"); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("bucket never refilled")
}

func TestBurstDefaultsToRate(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 2})

	if err := l.Allow("c"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := l.Allow("c"); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if err := l.Allow("c"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("third call = %v, want ErrRateLimited", err)
	}
}

func TestPruneDropsIdleBuckets(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	if err := l.Allow("idle"); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	// Backdate the bucket and the prune clock past the idle window.
	l.mu.Lock()
	old := time.Now().Add(-2 * pruneAfter)
	l.buckets["idle"].lastFill = old
	l.lastPrune = old
	l.mu.Unlock()

	if err := l.Allow("other"); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	l.mu.Lock()
	_, exists := l.buckets["idle"]
	l.mu.Unlock()
	if exists {
		t.Error("idle bucket survived pruning")
	}
}
