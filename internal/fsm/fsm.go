package fsm

import (
	"fmt"
	"sync"
)

// State is the lifecycle phase of a guarded subsystem.
//
// Valid transitions follow Stopped -> Starting -> Running -> Stopping -> Stopped.
// Error is reachable from Starting, Running and Stopping when an in-flight
// operation fails, and is left only by a fresh start attempt (it satisfies the
// same preconditions as Stopped).
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// InvalidTransitionError is returned when an operation is attempted from a
// state outside its precondition. It is rejected synchronously; operations are
// never queued behind an in-flight transition.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %q to %q", e.From, e.To)
}

// Machine guards one subsystem's lifecycle state. All methods are safe for
// concurrent use; the zero value starts in StateStopped with no cause.
type Machine struct {
	mu    sync.Mutex
	state State
	cause error
}

func New() *Machine { return &Machine{state: StateStopped} }

// State returns the current state without blocking writers for long.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Cause returns the error recorded with the last transition to StateError,
// or nil when the machine is not in the error state.
func (m *Machine) Cause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateError {
		return nil
	}
	return m.cause
}

// allowed lists, per target state, the states a transition may begin from.
var allowed = map[State][]State{
	StateStarting: {StateStopped, StateError},
	StateRunning:  {StateStarting},
	StateStopping: {StateRunning, StateError},
	StateStopped:  {StateStopping},
	StateError:    {StateStarting, StateRunning, StateStopping},
}

// Transition moves the machine to next, failing with InvalidTransitionError
// when the current state does not permit it.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, from := range allowed[next] {
		if m.state == from {
			m.state = next
			if next != StateError {
				m.cause = nil
			}
			return nil
		}
	}
	return &InvalidTransitionError{From: m.state, To: next}
}

// Fail moves the machine to StateError recording cause. It never fails from
// an in-flight state; calling it from Stopped is rejected like any other
// invalid transition.
func (m *Machine) Fail(cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, from := range allowed[StateError] {
		if m.state == from {
			m.state = StateError
			m.cause = cause
			return nil
		}
	}
	return &InvalidTransitionError{From: m.state, To: StateError}
}

// ForceStopped resets the machine to Stopped regardless of the current state.
// Reserved for teardown paths that must converge (idempotent stop).
func (m *Machine) ForceStopped() {
	m.mu.Lock()
	m.state = StateStopped
	m.cause = nil
	m.mu.Unlock()
}
