// Package ghostdrop implements the GhostDrop session engine: the state
// machine that drives handshake, Short Authentication String
// verification, chunked transfer with resumability, and failure handling
// over a negotiated transport. It plays the role catshadow's root package
// plays for disk.go/contact.go/ratchet.go: the orchestrating layer atop
// the lower packages' codec, crypto, and transport primitives.
package ghostdrop

import (
	"fmt"

	"github.com/ghostdrop/ghostdrop/internal/frame"
	"github.com/ghostdrop/ghostdrop/internal/radio"
)

// DeviceID is a 128-bit opaque per-install identifier.
type DeviceID = radio.DeviceID

// Capabilities advertises the protocol version, max chunk size, and max
// window size a peer supports.
type Capabilities = frame.Capabilities

// NearbyDevice is an ephemeral discovery record surfaced while scanning.
type NearbyDevice = radio.NearbyDevice

// SessionState is the session engine's state machine.
type SessionState int

const (
	StateIdle SessionState = iota
	StateAdvertising
	StateScanning
	StateConnecting
	StateNegotiating
	StateVerifying
	StateTransferring
	StateCompleted
	StateFailed
	StateCancelled
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAdvertising:
		return "advertising"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateVerifying:
		return "verifying"
	case StateTransferring:
		return "transferring"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// allowedTransitions encodes the session engine's state table. Re-entering
// the current state is always permitted and handled separately as a no-op.
var allowedTransitions = map[SessionState]map[SessionState]bool{
	StateIdle: {
		StateAdvertising: true, StateScanning: true, StateConnecting: true,
		StateNegotiating: true, StateFailed: true, StateCancelled: true,
	},
	StateAdvertising: {
		StateConnecting: true, StateNegotiating: true, StateFailed: true, StateCancelled: true,
	},
	StateScanning: {
		StateConnecting: true, StateNegotiating: true, StateFailed: true, StateCancelled: true,
	},
	StateConnecting: {
		StateNegotiating: true, StateFailed: true, StateCancelled: true,
	},
	StateNegotiating: {
		StateVerifying: true, StateTransferring: true, StateFailed: true, StateCancelled: true,
	},
	StateVerifying: {
		StateTransferring: true, StateFailed: true, StateCancelled: true,
	},
	StateTransferring: {
		StateCompleted: true, StateFailed: true, StateCancelled: true,
	},
	StateCompleted:  {StateIdle: true},
	StateFailed:     {StateIdle: true},
	StateCancelled:  {StateIdle: true},
}

func isTerminal(s SessionState) bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}
