package relay

import (
	"errors"

	"github.com/benbjohnson/clock"

	"github.com/libp2p/go-libp2p-relay/selector"
)

type Option func(*Transport) error

// WithConfig replaces the transport defaults wholesale.
func WithConfig(cfg Config) Option {
	return func(t *Transport) error {
		if cfg.MaxRelays <= 0 {
			return errors.New("max relays must be positive")
		}
		if cfg.MaxAutoRelayAttempts <= 0 {
			return errors.New("max auto relay attempts must be positive")
		}
		t.cfg = cfg
		return nil
	}
}

// WithProber substitutes the relay health probe, for tests.
func WithProber(p selector.Prober) Option {
	return func(t *Transport) error {
		t.prober = p
		return nil
	}
}

// WithClock substitutes the time source, for tests.
func WithClock(clk clock.Clock) Option {
	return func(t *Transport) error {
		t.clk = clk
		return nil
	}
}
