// Package session keeps credentials usable: it schedules proactive token
// refresh ahead of expiry, forces a refresh when connectivity returns, and
// lets callers wait for a valid session before issuing remote calls.
package session

import (
	"fmt"
	"slices"
	"sync"
)

// State represents a guard refresh-cycle state.
type State string

const (
	Idle       State = "IDLE"
	Scheduled  State = "SCHEDULED"
	Refreshing State = "REFRESHING"
)

// validTransitions defines allowed state transitions. Scheduled may re-enter
// itself when the timer is re-armed with a new deadline.
var validTransitions = map[State][]State{
	Idle:       {Scheduled, Refreshing},
	Scheduled:  {Scheduled, Refreshing, Idle},
	Refreshing: {Scheduled, Idle},
}

// Machine tracks and enforces guard state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
}

// NewMachine creates a state machine starting in Idle.
func NewMachine() *Machine {
	return &Machine{current: Idle}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	m.current = to
	return nil
}
