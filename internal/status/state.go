package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/msgvault/msgvault/internal/bus"
)

// State represents the daemon's connectivity to the server-of-record.
type State string

const (
	Offline    State = "OFFLINE"
	Connecting State = "CONNECTING"
	Online     State = "ONLINE"
	Degraded   State = "DEGRADED"
)

// validTransitions defines allowed connectivity transitions. Network loss
// is expected and recoverable, so every state can reach Offline and climb
// back; there is no terminal failure state.
var validTransitions = map[State][]State{
	Offline:    {Connecting},
	Connecting: {Online, Degraded, Offline},
	Online:     {Degraded, Offline},
	Degraded:   {Online, Connecting, Offline},
}

// Machine tracks and enforces connectivity state transitions. The offline
// queue drains only while the machine reports Online.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting Offline.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Offline,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Online reports whether the daemon currently considers itself connected.
func (m *Machine) Online() bool {
	return m.Current() == Online
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid; a transition to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "net.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for net.status_changed events.
type StatusChange struct {
	From State
	To   State
}
