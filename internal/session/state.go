package session

import (
	"fmt"
	"sync"
)

type State int

const (
	StateProvisioning State = iota
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var allowedTransitions = map[State][]State{
	StateProvisioning: {StateStreaming, StateClosed},
	StateStreaming:    {StateClosing},
	StateClosing:      {StateClosed},
}

// CanTransition reports whether a session may move from one state to the
// next. Provisioning can skip straight to Closed when the sandbox never
// became usable.
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is the record of one client connection bound to one sandbox.
type Session struct {
	ID string

	mu    sync.Mutex
	state State
}

func newSession(id string) *Session {
	return &Session{ID: id, state: StateProvisioning}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.state, to) {
		return fmt.Errorf("invalid session transition %s -> %s", s.state, to)
	}
	s.state = to
	return nil
}
