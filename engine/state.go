package engine

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of an upload job.
type State string

const (
	StateQueued       State = "QUEUED"
	StateInitializing State = "INITIALIZING"
	StateUploading    State = "UPLOADING"
	StateProcessing   State = "PROCESSING"
	StateVerifying    State = "VERIFYING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateCancelled    State = "CANCELLED"
	StatePaused       State = "PAUSED"
)

// transitions is the full legal-transition table. Any (from, to) pair not
// listed here is rejected with ErrInvalidTransition.
var transitions = map[State][]State{
	StateQueued:       {StateInitializing},
	StateInitializing: {StateUploading, StateFailed},
	StateUploading:    {StateProcessing, StatePaused, StateCancelled, StateFailed},
	StatePaused:       {StateUploading, StateCancelled},
	StateProcessing:   {StateVerifying, StateFailed},
	StateVerifying:    {StateCompleted, StateFailed},
	// COMPLETED, FAILED and CANCELLED are terminal.
}

// Terminal reports whether no transition may leave the state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// StateMachine owns the canonical lifecycle of a single job and enforces the
// transition table under a lock, so concurrent workers cannot race a job into
// an illegal state.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

// NewStateMachine returns a state machine starting at QUEUED.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateQueued}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To applies a transition. On an illegal pair the state is left unchanged and
// ErrInvalidTransition is returned, wrapped with the offending pair.
func (m *StateMachine) To(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%s -> %s: %w", m.state, next, ErrInvalidTransition)
}

// ToIf applies the transition only when the current state equals from.
// Used at commit barriers where the job may have been cancelled concurrently.
func (m *StateMachine) ToIf(from, next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != from {
		return fmt.Errorf("%s -> %s (expected %s): %w", m.state, next, from, ErrInvalidTransition)
	}
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%s -> %s: %w", m.state, next, ErrInvalidTransition)
}
