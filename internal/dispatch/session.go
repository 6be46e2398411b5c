package dispatch

import (
	"fmt"
	"sync"
)

// SessionState is the lifecycle state of the provider session
type SessionState int32

const (
	SessionNotStarted SessionState = iota
	SessionStarted
	SessionTerminated
	SessionStartupFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionNotStarted:
		return "not_started"
	case SessionStarted:
		return "started"
	case SessionTerminated:
		return "terminated"
	case SessionStartupFailed:
		return "startup_failed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// sessionMachine holds the session state. Connection flapping only toggles the
// liveness flag and never changes the lifecycle state.
type sessionMachine struct {
	mu        sync.RWMutex
	state     SessionState
	connected bool
}

var allowedTransitions = map[SessionState][]SessionState{
	SessionNotStarted: {SessionStarted, SessionStartupFailed, SessionTerminated},
	SessionStarted:    {SessionTerminated},
}

// transition moves to the target state if the move is allowed and returns the previous state
func (m *sessionMachine) transition(to SessionState) (SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	for _, s := range allowedTransitions[from] {
		if s == to {
			m.state = to
			if to == SessionStarted {
				m.connected = true
			} else {
				m.connected = false
			}
			return from, true
		}
	}
	return from, false
}

func (m *sessionMachine) setConnected(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = up
}

func (m *sessionMachine) current() (SessionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.connected
}
