package server

import (
	"time"

	"github.com/libp2p/go-libp2p-relay/proto"
)

// Resources is the admission ceiling of a relay; it is immutable for
// the lifetime of the Relay instance.
type Resources struct {
	// Limit is the per-circuit quota; nil means unlimited circuits.
	Limit *proto.Limit

	// ReservationTTL is the lifetime of a granted reservation.
	ReservationTTL time.Duration

	// MaxReservations is the maximum number of concurrently active
	// reservations.
	MaxReservations int
	// MaxCircuits is the maximum number of concurrently open circuits.
	MaxCircuits int

	// MaxReservationsPerIP and MaxReservationsPerASN bound reservations
	// by origin to make slot exhaustion by a single operator harder.
	MaxReservationsPerIP  int
	MaxReservationsPerASN int

	// BufferSize is the size of the buffers used for relaying data.
	BufferSize int
}

func DefaultResources() Resources {
	return Resources{
		Limit: &proto.Limit{
			Duration: time.Hour,
			Data:     10 << 20,
		},

		ReservationTTL: time.Hour,

		MaxReservations: 128,
		MaxCircuits:     16,

		MaxReservationsPerIP:  8,
		MaxReservationsPerASN: 32,

		BufferSize: 2048,
	}
}
