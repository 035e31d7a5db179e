// Package discovery maintains the set of known candidate relays. It
// periodically queries a Source for peers advertising relay service,
// keeps per-relay observation timestamps, and caps the tracked set so
// that the least recently seen candidate is evicted first.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("relay-discovery")

// Source produces candidate relays: a DHT walk, a rendezvous query, a
// static list. Failures are non-fatal; discovery just sees fewer
// candidates this round.
type Source interface {
	FindRelays(ctx context.Context) ([]peer.AddrInfo, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) ([]peer.AddrInfo, error)

func (f SourceFunc) FindRelays(ctx context.Context) ([]peer.AddrInfo, error) {
	return f(ctx)
}

// StaticSource is a Source serving a fixed candidate list.
func StaticSource(relays ...peer.AddrInfo) Source {
	return SourceFunc(func(context.Context) ([]peer.AddrInfo, error) {
		return relays, nil
	})
}

// Reserver is notified of newly discovered relays so a slot can be
// reserved against them right away.
type Reserver interface {
	Reserve(ctx context.Context, relay peer.AddrInfo) error
}

// RelayInfo is what discovery knows about one candidate relay.
type RelayInfo struct {
	Peer         peer.ID
	Addrs        []ma.Multiaddr
	DiscoveredAt time.Time
	LastSeen     time.Time
}

// Discovery tracks candidate relays. The tracked set is bounded by
// the configured maximum; candidates beyond the cap push out the least
// recently seen entry.
type Discovery struct {
	source   Source
	reserver Reserver
	clk      clock.Clock

	interval     time.Duration
	maxRelays    int
	maxAge       time.Duration
	queryTimeout time.Duration

	mx    sync.Mutex
	cache *lru.Cache[peer.ID, *RelayInfo]

	ctx     context.Context
	cancel  func()
	refCh   chan struct{}
	started bool
	wg      sync.WaitGroup
}

func New(source Source, opts ...Option) (*Discovery, error) {
	d := &Discovery{
		source:       source,
		clk:          clock.New(),
		interval:     DefaultInterval,
		maxRelays:    DefaultMaxRelays,
		maxAge:       DefaultMaxAge,
		queryTimeout: DefaultQueryTimeout,
		refCh:        make(chan struct{}, 1),
	}

	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, fmt.Errorf("error applying discovery option: %w", err)
		}
	}

	cache, err := lru.New[peer.ID, *RelayInfo](d.maxRelays)
	if err != nil {
		return nil, err
	}
	d.cache = cache

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start launches the background refresh loop. An immediate refresh is
// triggered before the first tick.
func (d *Discovery) Start() {
	d.mx.Lock()
	if d.started {
		d.mx.Unlock()
		return
	}
	d.started = true
	d.mx.Unlock()

	d.wg.Add(1)
	go d.background()
	d.TriggerRefresh()
}

func (d *Discovery) Close() error {
	d.cancel()
	d.wg.Wait()
	return nil
}

// TriggerRefresh requests an out-of-band refresh; it never blocks.
func (d *Discovery) TriggerRefresh() {
	select {
	case d.refCh <- struct{}{}:
	default:
	}
}

func (d *Discovery) background() {
	defer d.wg.Done()

	ticker := d.clk.Ticker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.refresh(d.ctx)
		case <-d.refCh:
			d.refresh(d.ctx)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Discovery) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()

	found, err := d.source.FindRelays(ctx)
	if err != nil {
		log.Debugf("relay discovery query failed: %s", err)
		return
	}

	var fresh []peer.AddrInfo
	for _, ai := range found {
		if d.Observe(ai) {
			fresh = append(fresh, ai)
		}
	}

	if d.reserver == nil {
		return
	}
	for _, ai := range fresh {
		ai := ai
		go func() {
			ctx, cancel := context.WithTimeout(d.ctx, d.queryTimeout)
			defer cancel()
			if err := d.reserver.Reserve(ctx, ai); err != nil {
				log.Debugf("auto-reservation with %s failed: %s", ai.ID, err)
			}
		}()
	}
}

// Observe records a (re)discovery of the given relay and reports
// whether it was previously unknown. LastSeen only moves forward.
func (d *Discovery) Observe(ai peer.AddrInfo) (isNew bool) {
	d.mx.Lock()
	defer d.mx.Unlock()

	now := d.clk.Now()

	if info, ok := d.cache.Get(ai.ID); ok {
		if now.After(info.LastSeen) {
			info.LastSeen = now
		}
		if len(ai.Addrs) > 0 {
			info.Addrs = ai.Addrs
		}
		return false
	}

	d.cache.Add(ai.ID, &RelayInfo{
		Peer:         ai.ID,
		Addrs:        ai.Addrs,
		DiscoveredAt: now,
		LastSeen:     now,
	})
	log.Debugf("discovered candidate relay %s", ai.ID)
	return true
}

// Remove drops a relay from the tracked set.
func (d *Discovery) Remove(p peer.ID) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.cache.Remove(p)
}

// Relays returns the current candidate snapshot, least recently seen
// first. Entries beyond the stale age are evicted on the way.
func (d *Discovery) Relays() []peer.ID {
	d.mx.Lock()
	defer d.mx.Unlock()

	var stale []peer.ID
	cutoff := d.clk.Now().Add(-d.maxAge)

	keys := d.cache.Keys()
	out := make([]peer.ID, 0, len(keys))
	for _, p := range keys {
		info, ok := d.cache.Peek(p)
		if !ok {
			continue
		}
		if d.maxAge > 0 && info.LastSeen.Before(cutoff) {
			stale = append(stale, p)
			continue
		}
		out = append(out, p)
	}

	for _, p := range stale {
		log.Debugf("evicting stale relay %s", p)
		d.cache.Remove(p)
	}

	return out
}

// Relay returns a single usable candidate: the most recently seen one.
func (d *Discovery) Relay() (peer.ID, bool) {
	relays := d.Relays()
	if len(relays) == 0 {
		return "", false
	}
	return relays[len(relays)-1], true
}

// Info returns a copy of what is known about the given relay.
func (d *Discovery) Info(p peer.ID) (RelayInfo, bool) {
	d.mx.Lock()
	defer d.mx.Unlock()

	info, ok := d.cache.Peek(p)
	if !ok {
		return RelayInfo{}, false
	}
	return *info, true
}

// Len is the number of currently tracked relays.
func (d *Discovery) Len() int {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.cache.Len()
}
