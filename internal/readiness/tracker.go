package readiness

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/SkynetNext/mktdata-gateway/internal/metrics"
	"github.com/SkynetNext/mktdata-gateway/internal/transport"
)

var (
	// ErrStartupFailed is returned by Wait when the session could not start
	ErrStartupFailed = errors.New("session startup failed")

	// ErrServiceOpenFailed is returned by Wait when a required service failed to open
	ErrServiceOpenFailed = errors.New("service open failed")
)

// ServiceState is the open state of one named service
type ServiceState int

const (
	ServiceNotOpened ServiceState = iota
	ServiceOpened
	ServiceOpenFailed
)

func (s ServiceState) String() string {
	switch s {
	case ServiceNotOpened:
		return "not_opened"
	case ServiceOpened:
		return "opened"
	case ServiceOpenFailed:
		return "open_failed"
	default:
		return "unknown"
	}
}

// Tracker derives gateway readiness from the open state of the required services.
// Readiness is monotonic: once every required service opened it never resets.
type Tracker struct {
	required []string

	mu       sync.Mutex
	states   map[string]ServiceState
	services map[string]transport.Service
	opened   int
	ready    bool
	failed   bool
	err      error

	readyCh chan struct{}
	failCh  chan struct{}
}

// NewTracker creates a tracker for a fixed set of required services
func NewTracker(required ...string) *Tracker {
	t := &Tracker{
		states:   make(map[string]ServiceState, len(required)),
		services: make(map[string]transport.Service, len(required)),
		readyCh:  make(chan struct{}),
		failCh:   make(chan struct{}),
	}
	for _, name := range required {
		if _, dup := t.states[name]; dup {
			continue
		}
		t.required = append(t.required, name)
		t.states[name] = ServiceNotOpened
		metrics.ServiceStatus.WithLabelValues(name).Set(float64(ServiceNotOpened))
	}
	if len(t.required) == 0 {
		t.markReadyLocked()
	}
	return t
}

// Required returns the required service names in construction order
func (t *Tracker) Required() []string {
	return append([]string(nil), t.required...)
}

// MarkOpened records that a service opened. It returns true only for the call that
// made the gateway ready. Repeated notifications for the same service are no-ops.
func (t *Tracker) MarkOpened(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, required := t.states[name]
	t.services[name] = transport.Service{Name: name}
	if !required || state == ServiceOpened {
		return false
	}
	t.states[name] = ServiceOpened
	t.opened++
	metrics.ServiceStatus.WithLabelValues(name).Set(float64(ServiceOpened))

	if t.ready || t.opened < len(t.required) {
		return false
	}
	t.markReadyLocked()
	return true
}

// MarkFailed records that a service failed to open. A failure of a required service
// before readiness resolves Wait with ErrServiceOpenFailed.
func (t *Tracker) MarkFailed(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, required := t.states[name]
	if !required || state == ServiceOpened {
		return
	}
	t.states[name] = ServiceOpenFailed
	metrics.ServiceStatus.WithLabelValues(name).Set(float64(ServiceOpenFailed))
	t.failLocked(fmt.Errorf("%w: %s", ErrServiceOpenFailed, name))
}

// Fail resolves Wait with err unless the gateway is already ready
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failLocked(err)
}

func (t *Tracker) failLocked(err error) {
	if t.ready || t.failed {
		return
	}
	t.failed = true
	t.err = err
	close(t.failCh)
}

func (t *Tracker) markReadyLocked() {
	t.ready = true
	close(t.readyCh)
	metrics.Ready.Set(1)
}

// IsReady reports whether every required service has opened
func (t *Tracker) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// State returns the state of a service
func (t *Tracker) State(name string) ServiceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[name]
}

// Service returns the handle of an opened service
func (t *Tracker) Service(name string) (transport.Service, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	svc, ok := t.services[name]
	return svc, ok
}

// Snapshot returns the state of every required service
func (t *Tracker) Snapshot() map[string]ServiceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ServiceState, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}

// Ready returns a channel closed when the gateway becomes ready
func (t *Tracker) Ready() <-chan struct{} {
	return t.readyCh
}

// Wait blocks until the gateway is ready, a startup failure is recorded, or ctx ends
func (t *Tracker) Wait(ctx context.Context) error {
	select {
	case <-t.readyCh:
		return nil
	default:
	}

	select {
	case <-t.readyCh:
		return nil
	case <-t.failCh:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.err
	case <-ctx.Done():
		return fmt.Errorf("waiting for services %v: %w", t.pending(), ctx.Err())
	}
}

func (t *Tracker) pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, name := range t.required {
		if t.states[name] != ServiceOpened {
			out = append(out, name)
		}
	}
	return out
}
