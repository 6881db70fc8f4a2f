package process

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of one command run.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateStreaming
	StateSucceeded
	StateFailed
	StateTimedOut
	// StateKilled means the run was stopped from outside: the consumer
	// abandoned the stream or the caller's context was cancelled.
	StateKilled
)

var stateNames = map[State]string{
	StateNotStarted: "not_started",
	StateStarting:   "starting",
	StateStreaming:  "streaming",
	StateSucceeded:  "succeeded",
	StateFailed:     "failed",
	StateTimedOut:   "timed_out",
	StateKilled:     "killed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsTerminal returns true if no further transition is allowed.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut || s == StateKilled
}

var allowedTransitions = map[State][]State{
	StateNotStarted: {StateStarting},
	StateStarting:   {StateStreaming, StateFailed, StateKilled},
	StateStreaming:  {StateSucceeded, StateFailed, StateTimedOut, StateKilled},
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// stateMachine guards the state of a single run.
type stateMachine struct {
	mu      sync.Mutex
	current State
}

func (m *stateMachine) to(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current.CanTransition(next) {
		return fmt.Errorf("invalid state transition %s -> %s", m.current, next)
	}
	m.current = next
	return nil
}

func (m *stateMachine) get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
