package relay

import "time"

// Config governs the relay transport: whether the dialing side is
// active, whether relays are discovered and reserved automatically,
// and the pacing of both.
type Config struct {
	// EnableClient activates the dialing side of the transport. With
	// it off, DialPeer refuses immediately.
	EnableClient bool
	// EnableAutoRelay activates automatic relay discovery, health
	// probing, and reservation. With it off, DialPeer fails without
	// ever consulting discovery.
	EnableAutoRelay bool

	// DiscoveryInterval is the period of the background candidate
	// refresh.
	DiscoveryInterval time.Duration
	// MaxRelays bounds the tracked candidate set.
	MaxRelays int
	// MaxAutoRelayAttempts is how many probe rounds a single relay
	// selection may take before giving up.
	MaxAutoRelayAttempts int

	// DiscoveryStreamTimeout bounds a single discovery query.
	DiscoveryStreamTimeout time.Duration
	// PeerProtocolTimeout bounds a single health probe of a relay.
	PeerProtocolTimeout time.Duration
}

// DefaultConfig returns the transport defaults: both sides enabled,
// candidates refreshed every minute.
func DefaultConfig() Config {
	return Config{
		EnableClient:           true,
		EnableAutoRelay:        true,
		DiscoveryInterval:      time.Minute,
		MaxRelays:              16,
		MaxAutoRelayAttempts:   3,
		DiscoveryStreamTimeout: 30 * time.Second,
		PeerProtocolTimeout:    30 * time.Second,
	}
}
