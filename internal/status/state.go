package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/telequery/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	Booting   State = "BOOTING"
	Expanding State = "EXPANDING"
	Indexing  State = "INDEXING"
	Ready     State = "READY"
	Degraded  State = "DEGRADED"
	Error     State = "ERROR"
)

// validTransitions defines allowed state transitions. Queries are served in
// every state except Booting and Error.
var validTransitions = map[State][]State{
	Booting:   {Expanding, Indexing, Ready, Degraded, Error},
	Expanding: {Indexing, Ready, Degraded, Error},
	Indexing:  {Ready, Degraded, Error},
	Ready:     {Expanding, Indexing, Degraded, Error},
	Degraded:  {Expanding, Indexing, Ready, Error},
	Error:     {Booting},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	reason  string
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot is the current state with the time it was entered and the reason
// given for it, if any.
type Snapshot struct {
	State  State
	Since  time.Time
	Reason string
}

// Snapshot returns the current state details.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.current, Since: m.since, Reason: m.reason}
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.TransitionWithReason(to, "")
}

// TransitionWithReason is Transition with a human-readable cause, surfaced
// by the Status RPC (typically set for Degraded).
func (m *Machine) TransitionWithReason(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.reason = reason
	m.bus.Emit(bus.KindStatusChanged, StatusChange{From: from, To: to, Reason: reason})
	return nil
}

// Serving reports whether queries can be answered in the current state.
func (m *Machine) Serving() bool {
	switch m.Current() {
	case Booting, Error:
		return false
	default:
		return true
	}
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State
	To     State
	Reason string
}
