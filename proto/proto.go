package proto

import (
	"fmt"
)

const (
	// ProtoIDHop is the protocol spoken by a client to its relay.
	ProtoIDHop = "/libp2p/circuit/relay/0.2.0/hop"
	// ProtoIDStop is the protocol spoken by a relay to the circuit destination.
	ProtoIDStop = "/libp2p/circuit/relay/0.2.0/stop"
)

// MaxMessageSize bounds hop and stop messages on the wire.
const MaxMessageSize = 4096

type Status uint64

const (
	StatusOK Status = 100

	StatusReservationRefused    Status = 200
	StatusResourceLimitExceeded Status = 201
	StatusPermissionDenied      Status = 202
	StatusConnectionFailed      Status = 203
	StatusNoReservation         Status = 204

	StatusMalformedMessage  Status = 400
	StatusUnexpectedMessage Status = 401
)

var statusNames = map[Status]string{
	StatusOK:                    "OK",
	StatusReservationRefused:    "RESERVATION_REFUSED",
	StatusResourceLimitExceeded: "RESOURCE_LIMIT_EXCEEDED",
	StatusPermissionDenied:      "PERMISSION_DENIED",
	StatusConnectionFailed:      "CONNECTION_FAILED",
	StatusNoReservation:         "NO_RESERVATION",
	StatusMalformedMessage:      "MALFORMED_MESSAGE",
	StatusUnexpectedMessage:     "UNEXPECTED_MESSAGE",
}

func (s Status) String() string {
	name, ok := statusNames[s]
	if !ok {
		return fmt.Sprintf("UNKNOWN(%d)", uint64(s))
	}
	return name
}

// StatusError is returned by the client side when a relay answers an
// exchange with a non-OK status.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay refused: %s (%d)", e.Status, uint64(e.Status))
}

// CircuitState tracks the progress of a single hop exchange; both the
// dialing and the serving role walk through these states from opposite
// ends of the circuit.
type CircuitState uint32

const (
	CircuitIdle CircuitState = iota
	CircuitReserving
	CircuitReserved
	CircuitConnecting
	CircuitRelaying
	CircuitClosed
	CircuitFailed
)

func (st CircuitState) String() string {
	switch st {
	case CircuitIdle:
		return "idle"
	case CircuitReserving:
		return "reserving"
	case CircuitReserved:
		return "reserved"
	case CircuitConnecting:
		return "connecting"
	case CircuitRelaying:
		return "relaying"
	case CircuitClosed:
		return "closed"
	case CircuitFailed:
		return "failed"
	default:
		return fmt.Sprintf("invalid(%d)", uint32(st))
	}
}
