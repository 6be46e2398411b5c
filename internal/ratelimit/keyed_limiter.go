package ratelimit

import (
	"sync"
	"time"
)

// KeyedLimiter limits concurrent and per-second requests for each key (service name)
type KeyedLimiter struct {
	maxPerKey int
	rateLimit int // requests per second per key

	mu          sync.Mutex
	inFlight    map[string]int
	rates       map[string]*rateTracker
	lastCleanup time.Time
	now         func() time.Time
}

type rateTracker struct {
	requests []time.Time // timestamps inside the current window
}

// NewKeyedLimiter creates a new per-key limiter
func NewKeyedLimiter(maxPerKey, rateLimit int) *KeyedLimiter {
	return &KeyedLimiter{
		maxPerKey:   maxPerKey,
		rateLimit:   rateLimit,
		inFlight:    make(map[string]int),
		rates:       make(map[string]*rateTracker),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Allow takes a slot for key if both the concurrency and the rate limit allow it
func (l *KeyedLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) > 5*time.Minute {
		l.cleanup()
		l.lastCleanup = now
	}

	if l.inFlight[key] >= l.maxPerKey {
		return false
	}

	rate := l.getOrCreateRateTracker(key)
	cutoff := now.Add(-time.Second)
	valid := 0
	for _, ts := range rate.requests {
		if ts.After(cutoff) {
			rate.requests[valid] = ts
			valid++
		}
	}
	rate.requests = rate.requests[:valid]

	if len(rate.requests) >= l.rateLimit {
		return false
	}

	rate.requests = append(rate.requests, now)
	l.inFlight[key]++
	return true
}

// SetLimits changes both limits; in-flight counts are kept
func (l *KeyedLimiter) SetLimits(maxPerKey, rateLimit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxPerKey = maxPerKey
	l.rateLimit = rateLimit
}

// Release returns a slot for key
func (l *KeyedLimiter) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count, ok := l.inFlight[key]; ok && count > 0 {
		l.inFlight[key] = count - 1
		if l.inFlight[key] == 0 {
			delete(l.inFlight, key)
		}
	}
}

func (l *KeyedLimiter) getOrCreateRateTracker(key string) *rateTracker {
	rate, ok := l.rates[key]
	if !ok {
		rate = &rateTracker{requests: make([]time.Time, 0, l.rateLimit)}
		l.rates[key] = rate
	}
	return rate
}

// cleanup drops trackers of idle keys
func (l *KeyedLimiter) cleanup() {
	for key := range l.rates {
		if l.inFlight[key] == 0 {
			delete(l.rates, key)
		}
	}
}

// Stats returns the in-flight and current-window counts for key
func (l *KeyedLimiter) Stats(key string) (inFlight int, rateCount int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	inFlight = l.inFlight[key]
	if rate, ok := l.rates[key]; ok {
		rateCount = len(rate.requests)
	}
	return
}
