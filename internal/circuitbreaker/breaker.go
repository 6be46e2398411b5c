package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrOpen is returned by Execute while the breaker rejects calls
var ErrOpen = errors.New("circuit breaker open")

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker stops calling a failing service after maxFailures consecutive failures
// and lets one probe through once timeout has elapsed.
type Breaker struct {
	maxFailures int64
	timeout     time.Duration
	mu          sync.RWMutex
	state       int32 // State (atomic)
	failures    int64 // Failure count (atomic)
	lastFailure time.Time
	onChange    func(State)
}

// NewBreaker creates a new circuit breaker
func NewBreaker(maxFailures int64, timeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		state:       int32(StateClosed),
	}
}

// OnStateChange registers a callback invoked after every state change.
// Must be called before the breaker is shared.
func (b *Breaker) OnStateChange(fn func(State)) {
	b.onChange = fn
}

func (b *Breaker) setState(from, to State) bool {
	if !atomic.CompareAndSwapInt32(&b.state, int32(from), int32(to)) {
		return false
	}
	if b.onChange != nil {
		b.onChange(to)
	}
	return true
}

// Allow checks if the circuit breaker allows the call
func (b *Breaker) Allow() bool {
	switch b.State() {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		b.mu.RLock()
		lastFailure := b.lastFailure
		b.mu.RUnlock()
		if time.Since(lastFailure) >= b.timeout && b.setState(StateOpen, StateHalfOpen) {
			atomic.StoreInt64(&b.failures, 0)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call
func (b *Breaker) RecordSuccess() {
	atomic.StoreInt64(&b.failures, 0)
	b.setState(StateHalfOpen, StateClosed)
}

// RecordFailure records a failed call
func (b *Breaker) RecordFailure() {
	failures := atomic.AddInt64(&b.failures, 1)
	b.mu.Lock()
	b.lastFailure = time.Now()
	b.mu.Unlock()

	if b.State() == StateHalfOpen {
		b.setState(StateHalfOpen, StateOpen)
		return
	}
	if failures >= b.maxFailures {
		b.setState(StateClosed, StateOpen)
	}
}

// Execute runs fn if the breaker allows it and records the outcome
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state
func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}
