package selector

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
)

// Selection defaults.
var (
	DefaultMaxAttempts = 3
	DefaultTopK        = 5
	DefaultBackoffUnit = time.Second
	DefaultBackoffCap  = uint(10)
)

type Option func(*Selector) error

// WithEnabled toggles selection; a disabled selector refuses every
// Select call without consulting discovery.
func WithEnabled(enabled bool) Option {
	return func(s *Selector) error {
		s.enabled = enabled
		return nil
	}
}

// WithMaxAttempts sets how many probe rounds Select runs before
// giving up.
func WithMaxAttempts(attempts int) Option {
	return func(s *Selector) error {
		if attempts <= 0 {
			return errors.New("max attempts must be positive")
		}
		s.maxAttempts = attempts
		return nil
	}
}

// WithTopK sets how many of the best-scoring relays rotation runs
// over.
func WithTopK(k int) Option {
	return func(s *Selector) error {
		if k <= 0 {
			return errors.New("top-k must be positive")
		}
		s.topK = k
		return nil
	}
}

// WithBackoff sets the base wait between failed rounds and the
// multiplier cap: round i waits unit * min(2^i, cap).
func WithBackoff(unit time.Duration, cap uint) Option {
	return func(s *Selector) error {
		if unit <= 0 {
			return errors.New("backoff unit must be positive")
		}
		if cap == 0 {
			return errors.New("backoff cap must be positive")
		}
		s.backoffUnit = unit
		s.backoffCap = cap
		return nil
	}
}

// WithClock substitutes the time source, for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Selector) error {
		s.clk = clk
		s.sleep = s.clockSleep
		return nil
	}
}
