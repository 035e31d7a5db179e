package discovery

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
)

// Defaults for the refresh loop and the tracked set.
var (
	DefaultInterval     = time.Minute
	DefaultMaxRelays    = 16
	DefaultMaxAge       = 30 * time.Minute
	DefaultQueryTimeout = 30 * time.Second
)

type Option func(*Discovery) error

// WithInterval sets the period of the background refresh loop.
func WithInterval(interval time.Duration) Option {
	return func(d *Discovery) error {
		if interval <= 0 {
			return errors.New("discovery interval must be positive")
		}
		d.interval = interval
		return nil
	}
}

// WithMaxRelays bounds the tracked candidate set; the least recently
// seen relay is evicted when the bound is exceeded.
func WithMaxRelays(max int) Option {
	return func(d *Discovery) error {
		if max <= 0 {
			return errors.New("max relays must be positive")
		}
		d.maxRelays = max
		return nil
	}
}

// WithMaxAge sets the age past which an unseen relay is considered
// stale and evicted. Zero disables stale eviction.
func WithMaxAge(age time.Duration) Option {
	return func(d *Discovery) error {
		d.maxAge = age
		return nil
	}
}

// WithQueryTimeout bounds a single Source query.
func WithQueryTimeout(timeout time.Duration) Option {
	return func(d *Discovery) error {
		if timeout <= 0 {
			return errors.New("query timeout must be positive")
		}
		d.queryTimeout = timeout
		return nil
	}
}

// WithReserver installs a hook invoked for every newly discovered
// relay, typically to reserve a slot with it.
func WithReserver(r Reserver) Option {
	return func(d *Discovery) error {
		d.reserver = r
		return nil
	}
}

// WithClock substitutes the time source, for tests.
func WithClock(clk clock.Clock) Option {
	return func(d *Discovery) error {
		d.clk = clk
		return nil
	}
}
