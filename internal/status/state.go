package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rcsgo/rcsd/internal/bus"
)

// State represents the daemon's IMS registration state.
type State string

const (
	Booting     State = "BOOTING"
	Offline     State = "OFFLINE"
	Registering State = "REGISTERING"
	Registered  State = "REGISTERED"
	Degraded    State = "DEGRADED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:     {Offline, Registering},
	Offline:     {Registering},
	Registering: {Registered, Offline, Degraded},
	Registered:  {Registering, Offline, Degraded},
	Degraded:    {Registering, Registered, Offline},
}

// Machine tracks and enforces IMS registration state transitions.
type Machine struct {
	mu           sync.RWMutex
	current      State
	bus          *bus.Bus
	onRegistered func()
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// OnRegistered installs a hook invoked after every transition into
// Registered, outside the machine lock. Used to kick the dequeue sweep when
// connectivity returns.
func (m *Machine) OnRegistered(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRegistered = fn
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	hook := m.onRegistered
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "ims.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	if to == Registered && hook != nil {
		hook()
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
