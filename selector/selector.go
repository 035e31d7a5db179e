// Package selector picks the relay to dial through. It merges the
// candidates discovery reports, probes their health, scores them, and
// rotates across the healthiest few so that load spreads instead of
// piling onto a single relay.
package selector

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("relay-selector")

// ErrNoRelay means no healthy relay could be found within the
// configured attempt budget.
var ErrNoRelay = errors.New("no usable relay found")

// Discoverer is the candidate feed, satisfied by the discovery
// package.
type Discoverer interface {
	Relays() []peer.ID
}

// Selector tracks relay health and chooses the relay for the next
// circuit. Candidates are remembered in first-seen order and their
// health records persist across calls; a relay that stops probing
// successfully stays on the books with a rising failure count rather
// than being forgotten.
type Selector struct {
	disc   Discoverer
	prober Prober
	clk    clock.Clock

	enabled     bool
	maxAttempts int
	topK        int
	backoffUnit time.Duration
	backoffCap  uint

	// sleep is overridable so backoff can be observed in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mx      sync.Mutex
	order   []peer.ID
	metrics map[peer.ID]*Metrics
	rr      int
}

func New(disc Discoverer, prober Prober, opts ...Option) (*Selector, error) {
	s := &Selector{
		disc:        disc,
		prober:      prober,
		clk:         clock.New(),
		enabled:     true,
		maxAttempts: DefaultMaxAttempts,
		topK:        DefaultTopK,
		backoffUnit: DefaultBackoffUnit,
		backoffCap:  DefaultBackoffCap,
		metrics:     make(map[peer.ID]*Metrics),
		rr:          -1,
	}
	s.sleep = s.clockSleep

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Select returns the relay to use for the next circuit. Each attempt
// refreshes the candidate set, probes every candidate, and picks from
// the healthiest topK in rotation. A round with no healthy candidate
// backs off exponentially before retrying; the budget exhausted, it
// returns ErrNoRelay.
//
// When selection is disabled the discoverer is never consulted.
func (s *Selector) Select(ctx context.Context) (peer.ID, error) {
	if !s.enabled {
		return "", ErrNoRelay
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		healthy := s.probeRound(ctx)

		if len(healthy) > 0 {
			return s.pick(healthy), nil
		}

		if err := s.sleep(ctx, s.backoff(attempt)); err != nil {
			return "", err
		}
	}

	return "", ErrNoRelay
}

// probeRound merges freshly discovered candidates, probes every known
// candidate, and returns the healthy ones sorted best first, capped at
// topK. Probe results update the persistent health records.
func (s *Selector) probeRound(ctx context.Context) []peer.ID {
	s.merge(s.disc.Relays())

	s.mx.Lock()
	candidates := make([]peer.ID, len(s.order))
	copy(candidates, s.order)
	s.mx.Unlock()

	var healthy []peer.ID
	for _, p := range candidates {
		latency, err := s.prober.Probe(ctx, p)
		if err != nil {
			s.recordFailure(p)
			log.Debugf("probe of relay %s failed: %s", p, err)
			continue
		}
		s.recordSuccess(p, latency)
		healthy = append(healthy, p)
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	sort.SliceStable(healthy, func(i, j int) bool {
		return s.metrics[healthy[i]].score() > s.metrics[healthy[j]].score()
	})
	if len(healthy) > s.topK {
		healthy = healthy[:s.topK]
	}
	return healthy
}

// pick advances the round-robin pointer over the healthy set.
func (s *Selector) pick(healthy []peer.ID) peer.ID {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.rr = (s.rr + 1) % len(healthy)
	return healthy[s.rr]
}

// merge folds new candidates into the tracked set, preserving
// first-seen order and collapsing duplicates.
func (s *Selector) merge(relays []peer.ID) {
	s.mx.Lock()
	defer s.mx.Unlock()

	for _, p := range relays {
		if _, ok := s.metrics[p]; ok {
			continue
		}
		s.metrics[p] = &Metrics{}
		s.order = append(s.order, p)
	}
}

func (s *Selector) recordSuccess(p peer.ID, latency time.Duration) {
	s.mx.Lock()
	defer s.mx.Unlock()

	m, ok := s.metrics[p]
	if !ok {
		m = &Metrics{}
		s.metrics[p] = m
		s.order = append(s.order, p)
	}
	m.Latency = latency
	m.Failures = 0
	m.LastSeen = s.clk.Now()
}

func (s *Selector) recordFailure(p peer.ID) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if m, ok := s.metrics[p]; ok {
		m.Failures++
	}
}

// Metrics returns a copy of the health record for the given relay.
func (s *Selector) Metrics(p peer.ID) (Metrics, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()

	m, ok := s.metrics[p]
	if !ok {
		return Metrics{}, false
	}
	return *m, true
}

// backoff computes the wait after the given failed attempt: the unit
// scaled by 2^attempt, capped.
func (s *Selector) backoff(attempt int) time.Duration {
	mult := uint(1) << uint(attempt)
	if attempt >= 64 || mult > s.backoffCap {
		mult = s.backoffCap
	}
	return time.Duration(mult) * s.backoffUnit
}

func (s *Selector) clockSleep(ctx context.Context, d time.Duration) error {
	t := s.clk.Timer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
