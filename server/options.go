package server

import (
	"github.com/benbjohnson/clock"
)

type Option func(*Relay) error

// WithResources sets the relay's admission ceiling.
func WithResources(rc Resources) Option {
	return func(r *Relay) error {
		r.rc = rc
		return nil
	}
}

// WithACL sets an access control filter consulted before admission.
func WithACL(acl ACLFilter) Option {
	return func(r *Relay) error {
		r.acl = acl
		return nil
	}
}

// WithRequireReservation refuses connect requests whose destination has
// not reserved a slot first. By default the relay also serves ad-hoc
// circuits to connected peers.
func WithRequireReservation() Option {
	return func(r *Relay) error {
		r.requireReservation = true
		return nil
	}
}

// WithClock substitutes the clock used for reservation expiry and the
// background sweep.
func WithClock(clk clock.Clock) Option {
	return func(r *Relay) error {
		r.clk = clk
		return nil
	}
}
