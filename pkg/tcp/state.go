// Package tcp implements a simplified, RFC 793-flavored reliable byte-stream
// transport: segment codec, listening-port demultiplexer, and per-connection
// reliability/congestion state machine.
package tcp

import "fmt"

// State represents a connection's position in the passive-open lifecycle.
// Only the states a server-side (passive-open) connection can reach are
// modeled: there is no SYN_SENT, no FIN_WAIT/CLOSING/LAST_ACK/TIME_WAIT.
// A local close from ESTABLISHED sends a FIN but leaves the state at
// ESTABLISHED (the FIN's ACK only retires it from the retransmit queue);
// the connection is torn down when the peer's FIN arrives, or at once on a
// local close from CLOSE_WAIT, with no quiet time modeled afterward.
type State int

const (
	// StateClosed represents a connection that doesn't exist.
	StateClosed State = iota

	// StateListen represents waiting for a connection request on the
	// server's bound port.
	StateListen

	// StateSynReceived represents waiting for the final ACK of the
	// three-way handshake after sending SYN+ACK.
	StateSynReceived

	// StateEstablished is the normal state for data transfer in both
	// directions.
	StateEstablished

	// StateCloseWait represents the remote side having sent FIN; the
	// local application may still send remaining data before closing.
	StateCloseWait
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateCloseWait:
		return "CLOSE_WAIT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// IsConnectionEstablished returns true if the state represents a handshake
// that has completed (ESTABLISHED or later).
func (s State) IsConnectionEstablished() bool {
	return s == StateEstablished || s == StateCloseWait
}

// CanSendData returns true if the state allows sending data.
func (s State) CanSendData() bool {
	return s == StateEstablished || s == StateCloseWait
}

// CanReceiveData returns true if the state allows accepting inbound payload
// bytes for delivery to the application.
func (s State) CanReceiveData() bool {
	return s == StateEstablished
}

// Event represents an event that can trigger a state transition.
type Event int

const (
	// EventPassiveOpen represents a server beginning to listen.
	EventPassiveOpen Event = iota

	// EventReceiveSyn represents receiving a SYN segment.
	EventReceiveSyn

	// EventReceiveAck represents receiving the handshake-completing ACK.
	EventReceiveAck

	// EventReceiveFin represents receiving a FIN segment.
	EventReceiveFin

	// EventClose represents a local close request once the peer's FIN
	// has already been seen and acknowledged (CLOSE_WAIT -> CLOSED).
	EventClose
)

// String returns the string representation of the event.
func (e Event) String() string {
	switch e {
	case EventPassiveOpen:
		return "PASSIVE_OPEN"
	case EventReceiveSyn:
		return "RECEIVE_SYN"
	case EventReceiveAck:
		return "RECEIVE_ACK"
	case EventReceiveFin:
		return "RECEIVE_FIN"
	case EventClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(e))
	}
}

// StateMachine manages state transitions for one connection.
type StateMachine struct {
	state State
}

// NewStateMachine creates a new state machine in CLOSED.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		state: StateClosed,
	}
}

// GetState returns the current state.
func (sm *StateMachine) GetState() State {
	return sm.state
}

// Transition attempts to transition to a new state based on an event.
// Returns an error if the transition is not valid.
func (sm *StateMachine) Transition(event Event) error {
	newState, err := sm.nextState(event)
	if err != nil {
		return err
	}

	sm.state = newState
	return nil
}

// SetState directly sets the state (use with caution).
func (sm *StateMachine) SetState(state State) {
	sm.state = state
}

// nextState determines the next state based on current state and event.
func (sm *StateMachine) nextState(event Event) (State, error) {
	switch sm.state {
	case StateClosed:
		switch event {
		case EventPassiveOpen:
			return StateListen, nil
		default:
			return sm.state, fmt.Errorf("invalid event %s for state %s", event, sm.state)
		}

	case StateListen:
		switch event {
		case EventReceiveSyn:
			return StateSynReceived, nil
		default:
			return sm.state, fmt.Errorf("invalid event %s for state %s", event, sm.state)
		}

	case StateSynReceived:
		switch event {
		case EventReceiveAck:
			return StateEstablished, nil
		case EventReceiveFin:
			return StateCloseWait, nil
		default:
			return sm.state, fmt.Errorf("invalid event %s for state %s", event, sm.state)
		}

	case StateEstablished:
		switch event {
		case EventReceiveFin:
			return StateCloseWait, nil
		default:
			// Sending and receiving in-window data doesn't change state.
			return sm.state, nil
		}

	case StateCloseWait:
		switch event {
		case EventClose:
			return StateClosed, nil
		default:
			// Still allowed to drain outstanding sends before closing.
			return sm.state, nil
		}

	default:
		return sm.state, fmt.Errorf("unknown state %s", sm.state)
	}
}
