package relay

import "errors"

var (
	// ErrClientDisabled is returned by DialPeer when the dialing side
	// of the transport is switched off.
	ErrClientDisabled = errors.New("relay client is disabled")

	// ErrRelayCapacity means the chosen relay refused the circuit
	// because it is out of resources.
	ErrRelayCapacity = errors.New("relay is at capacity")
)
