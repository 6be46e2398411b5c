package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestLimiter_Allow(t *testing.T) {
	limiter := NewLimiter(10)

	if !limiter.Allow() {
		t.Error("Expected Allow() to return true")
	}
	if limiter.Current() != 1 {
		t.Errorf("Expected current=1, got %d", limiter.Current())
	}

	limiter.Release()
	if limiter.Current() != 0 {
		t.Errorf("Expected current=0, got %d", limiter.Current())
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	limiter := NewLimiter(100)
	var wg sync.WaitGroup

	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow() {
				if c := limiter.Current(); c > 100 {
					t.Errorf("Expected current<=100, got %d", c)
				}
				limiter.Release()
			}
		}()
	}

	wg.Wait()

	if limiter.Current() != 0 {
		t.Errorf("Expected current=0 after all releases, got %d", limiter.Current())
	}
}

func TestLimiter_Max(t *testing.T) {
	limiter := NewLimiter(5)

	for i := 0; i < 5; i++ {
		if !limiter.Allow() {
			t.Errorf("Expected Allow() to return true for request %d", i)
		}
	}

	if limiter.Allow() {
		t.Error("Expected Allow() to return false when at max")
	}

	limiter.SetMax(6)
	if !limiter.Allow() {
		t.Error("Expected Allow() to return true after raising max")
	}
}

func TestKeyedLimiter_PerKeyConcurrency(t *testing.T) {
	limiter := NewKeyedLimiter(2, 100)

	if !limiter.Allow("//blp/refdata") || !limiter.Allow("//blp/refdata") {
		t.Fatal("Expected first two requests to be allowed")
	}
	if limiter.Allow("//blp/refdata") {
		t.Error("Expected third concurrent request to be rejected")
	}
	if !limiter.Allow("//blp/apiflds") {
		t.Error("Expected other keys to be unaffected")
	}

	limiter.Release("//blp/refdata")
	if !limiter.Allow("//blp/refdata") {
		t.Error("Expected request to be allowed after release")
	}

	inFlight, rate := limiter.Stats("//blp/refdata")
	if inFlight != 2 || rate != 3 {
		t.Errorf("Expected inFlight=2 rate=3, got inFlight=%d rate=%d", inFlight, rate)
	}
}

func TestKeyedLimiter_Rate(t *testing.T) {
	limiter := NewKeyedLimiter(100, 3)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !limiter.Allow("svc") {
			t.Fatalf("Expected request %d to be allowed", i)
		}
		limiter.Release("svc")
	}
	if limiter.Allow("svc") {
		t.Error("Expected fourth request in the same second to be rejected")
	}

	now = now.Add(1100 * time.Millisecond)
	if !limiter.Allow("svc") {
		t.Error("Expected request to be allowed in the next window")
	}
}

func TestKeyedLimiter_SetLimits(t *testing.T) {
	limiter := NewKeyedLimiter(1, 100)

	if !limiter.Allow("svc") {
		t.Fatal("Expected first request to be allowed")
	}
	if limiter.Allow("svc") {
		t.Fatal("Expected second request to be rejected")
	}

	limiter.SetLimits(2, 100)
	if !limiter.Allow("svc") {
		t.Error("Expected request to be allowed after raising the limit")
	}
	if inFlight, _ := limiter.Stats("svc"); inFlight != 2 {
		t.Errorf("Expected inFlight=2, got %d", inFlight)
	}
}
