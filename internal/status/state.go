package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is a connection state of the real-time channel.
type State string

const (
	Uninitialized State = "UNINITIALIZED"
	Connecting    State = "CONNECTING"
	Connected     State = "CONNECTED"
	Disconnected  State = "DISCONNECTED"
	AuthFailed    State = "AUTH_FAILED"
)

// validTransitions defines allowed state transitions. AuthFailed is terminal.
var validTransitions = map[State][]State{
	Uninitialized: {Connecting, AuthFailed},
	Connecting:    {Connected, Disconnected, AuthFailed},
	Connected:     {Disconnected, AuthFailed},
	Disconnected:  {Connecting, AuthFailed},
	AuthFailed:    {},
}

// Machine tracks and enforces channel state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Uninitialized.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Uninitialized,
		bus:     b,
	}
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
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind:    bus.KindChannelState,
		Payload: StatusChange{From: from, To: to},
	})
	return nil
}

// StatusChange is the payload for channel.state_changed events.
type StatusChange struct {
	From State
	To   State
}
