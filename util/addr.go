package util

import (
	ma "github.com/multiformats/go-multiaddr"
)

// IsRelayAddr reports whether a is a p2p-circuit address. Connections
// arriving over an existing circuit are not allowed to reserve or hop
// again; relay chaining is out of scope.
func IsRelayAddr(a ma.Multiaddr) bool {
	_, err := a.ValueForProtocol(ma.P_CIRCUIT)
	return err == nil
}
