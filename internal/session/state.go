package session

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle position of a session.
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	Monitoring
	Disconnected
	Reconnecting
	Terminated
)

var stateNames = [...]string{
	Idle:         "idle",
	Scanning:     "scanning",
	Connecting:   "connecting",
	Monitoring:   "monitoring",
	Disconnected: "disconnected",
	Reconnecting: "reconnecting",
	Terminated:   "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ErrIllegalTransition is returned by Machine.Transition for an edge that
// is not in the transition table.
var ErrIllegalTransition = errors.New("session: illegal state transition")

// transitions lists the legal targets of every state. Terminated is
// reachable from everywhere else and has no exits.
var transitions = map[State][]State{
	Idle:         {Scanning},
	Scanning:     {Connecting, Idle},
	Connecting:   {Monitoring, Scanning, Reconnecting},
	Monitoring:   {Disconnected},
	Disconnected: {Reconnecting},
	Reconnecting: {Connecting},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	if to == Terminated {
		return from != Terminated
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine holds the current State. It is written by a single owner but may
// be read from any goroutine.
type Machine struct {
	mu       sync.RWMutex
	state    State
	observer func(from, to State)
}

// NewMachine returns a Machine in Idle. observer, if non-nil, is called
// after every successful transition on the transitioning goroutine.
func NewMachine(observer func(from, to State)) *Machine {
	return &Machine{state: Idle, observer: observer}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition moves to the given state or returns ErrIllegalTransition.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	m.state = to
	m.mu.Unlock()

	if m.observer != nil {
		m.observer(from, to)
	}
	return nil
}
