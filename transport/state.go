// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

// State is a connection's position in its lifecycle.
type State int

const (
	// StateNone is the zero value before initialization.
	StateNone State = iota

	// StateConnecting covers the whole handshake: a client waiting for
	// ChallengeReply or ConnectOK, and a server-side connection waiting
	// for the application to accept.
	StateConnecting

	// StateFindingRoute exists in the state model but is never entered
	// by this transport; it belongs to relayed connectivity.
	StateFindingRoute

	// StateConnected is the fully established state.
	StateConnected

	// StateLinger is half-closed: local side is done sending, inbound
	// data is ignored.
	StateLinger

	// StateClosedByPeer means the peer announced the teardown.
	StateClosedByPeer

	// StateFinWait means we announced the teardown and are waiting out
	// retransmissions before dropping state.
	StateFinWait

	// StateProblemDetectedLocally is a local failure, such as rejected
	// crypto.
	StateProblemDetectedLocally

	// StateDead means all resources are released.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateConnecting:
		return "Connecting"
	case StateFindingRoute:
		return "FindingRoute"
	case StateConnected:
		return "Connected"
	case StateLinger:
		return "Linger"
	case StateClosedByPeer:
		return "ClosedByPeer"
	case StateFinWait:
		return "FinWait"
	case StateProblemDetectedLocally:
		return "ProblemDetectedLocally"
	case StateDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// stateIsConnectedForWirePurposes reports whether data and acks still
// flow in this state.
func stateIsConnectedForWirePurposes(s State) bool {
	return s == StateConnected || s == StateLinger
}
