package selector

import "time"

// Metrics is the per-relay health record. It persists across Select
// calls: latency and failure counts accumulate over the lifetime of
// the selector, not per round.
type Metrics struct {
	// Latency of the most recent successful probe.
	Latency time.Duration
	// Failures is the count of consecutive failed probes. Reset to
	// zero on the next success.
	Failures int
	// LastSeen is the time of the most recent successful probe.
	LastSeen time.Time
}

// score maps a health record to a comparable fitness value; higher is
// better. Lower latency and fewer consecutive failures both raise the
// score, and a relay that has never failed with zero latency scores 1.
func (m *Metrics) score() float64 {
	return 1.0 / (1.0 + m.Latency.Seconds() + float64(m.Failures))
}
