package engine

import (
	"fmt"
	"sync"
)

// ConnState is the engine's connection/session state. Exactly one value
// holds at any time; the state machine is the only legal way to change it.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// validTransitions is the full legal transition set. Becoming Connected
// is deferred until the read path is armed, and all sends are gated on
// Connected, which removes the "state set before receive path is ready"
// and "interleaved sends" race classes by construction.
var validTransitions = map[ConnState]map[ConnState]bool{
	StateDisconnected: {
		StateConnecting: true,
		StateClosed:     true,
	},
	StateConnecting: {
		StateConnected:    true,
		StateReconnecting: true,
		StateDisconnected: true,
		StateClosed:       true,
	},
	StateConnected: {
		StateReconnecting: true,
		StateDisconnected: true,
		StateClosed:       true,
	},
	StateReconnecting: {
		StateConnected:    true,
		StateDisconnected: true,
		StateClosed:       true,
	},
	StateClosed: {
		StateConnecting: true,
	},
}

// stateMachine owns the connection state. All mutation goes through
// transition(); other components read via current(). Transitions come
// from multiple goroutines (the run loop, Connect, Close, the lifecycle
// bridge), so notifyMu holds across the state change and the observer
// call together: observers see one event per mutation, in mutation
// order. Observers may read the machine; current() takes only the
// state lock.
type stateMachine struct {
	notifyMu sync.Mutex
	mu       sync.RWMutex
	state    ConnState
	observer func(from, to ConnState)
}

func newStateMachine(observer func(from, to ConnState)) *stateMachine {
	return &stateMachine{state: StateDisconnected, observer: observer}
}

func (m *stateMachine) current() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.state
}

// transition moves the machine to the target state, failing if the edge
// is not in the legal set. notifyMu is held until the observer returns,
// so no later transition can deliver its event first.
func (m *stateMachine) transition(to ConnState) error {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()

	if m.state == to {
		m.mu.Unlock()
		return nil
	}

	if !validTransitions[m.state][to] {
		err := fmt.Errorf("invalid state transition %s -> %s", m.state, to)
		m.mu.Unlock()

		return err
	}

	from := m.state
	m.state = to
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		obs(from, to)
	}

	return nil
}

// tryBeginConnect atomically checks-and-moves Disconnected/Closed into
// Connecting. Any other current state returns ErrAlreadyConnecting, so
// concurrent Connect calls cannot both win.
func (m *stateMachine) tryBeginConnect() error {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()

	if m.state != StateDisconnected && m.state != StateClosed {
		err := fmt.Errorf("%w: state is %s", ErrAlreadyConnecting, m.state)
		m.mu.Unlock()

		return err
	}

	from := m.state
	m.state = StateConnecting
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		obs(from, StateConnecting)
	}

	return nil
}
