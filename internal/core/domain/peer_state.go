package domain

import "fmt"

// PeerState is the lifecycle of one client-side link to a remote participant.
type PeerState string

const (
	PeerIdle       PeerState = "idle"
	PeerConnecting PeerState = "connecting"
	PeerConnected  PeerState = "connected"
	PeerFailed     PeerState = "failed"
	PeerClosed     PeerState = "closed"
)

type PeerEvent string

const (
	PeerEventCreate    PeerEvent = "create"
	PeerEventConnected PeerEvent = "connected"
	PeerEventFailed    PeerEvent = "failed"
	PeerEventRestart   PeerEvent = "restart"
	PeerEventClose     PeerEvent = "close"
)

var peerTransitions = map[PeerState]map[PeerEvent]PeerState{
	PeerIdle: {
		PeerEventCreate: PeerConnecting,
		PeerEventClose:  PeerClosed,
	},
	PeerConnecting: {
		PeerEventConnected: PeerConnected,
		PeerEventFailed:    PeerFailed,
		PeerEventClose:     PeerClosed,
	},
	PeerConnected: {
		PeerEventFailed: PeerFailed,
		PeerEventClose:  PeerClosed,
	},
	PeerFailed: {
		PeerEventRestart: PeerConnecting,
		PeerEventClose:   PeerClosed,
	},
	PeerClosed: {},
}

// NextPeerState looks up the transition for event in state.
func NextPeerState(state PeerState, event PeerEvent) (PeerState, error) {
	next, ok := peerTransitions[state][event]
	if !ok {
		return state, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, state)
	}
	return next, nil
}

func (s PeerState) Terminal() bool { return s == PeerClosed }
