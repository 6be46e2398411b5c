package ratelimit

import (
	"sync/atomic"
)

// Limiter caps the number of requests in flight at once
type Limiter struct {
	max     atomic.Int64
	current atomic.Int64
}

// NewLimiter creates a new limiter
func NewLimiter(max int64) *Limiter {
	l := &Limiter{}
	l.max.Store(max)
	return l
}

// Allow takes a slot if one is free
func (l *Limiter) Allow() bool {
	for {
		current := l.current.Load()
		if current >= l.max.Load() {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release returns a slot
func (l *Limiter) Release() {
	l.current.Add(-1)
}

// SetMax changes the limit; slots already taken are kept
func (l *Limiter) SetMax(max int64) {
	l.max.Store(max)
}

// Current returns the number of slots taken
func (l *Limiter) Current() int64 {
	return l.current.Load()
}

// Max returns the limit
func (l *Limiter) Max() int64 {
	return l.max.Load()
}
