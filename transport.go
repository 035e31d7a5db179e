// Package relay assembles the circuit-relay client side: discovery
// feeds the candidate set, the selector keeps relays healthy and picks
// one, and the client speaks the circuit protocol through it. The
// serving side lives in the server package.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/peerstore"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/libp2p/go-libp2p-relay/client"
	"github.com/libp2p/go-libp2p-relay/discovery"
	"github.com/libp2p/go-libp2p-relay/proto"
	"github.com/libp2p/go-libp2p-relay/selector"
	"github.com/libp2p/go-libp2p-relay/server"
)

var log = logging.Logger("relay-transport")

// Transport orchestrates dialing through relays. It owns the
// discovery loop, the health-tracking selector, and the protocol
// client, and exposes relayed connections as net.Conns.
type Transport struct {
	host   host.Host
	cfg    Config
	clk    clock.Clock
	prober selector.Prober

	disc   *discovery.Discovery
	sel    *selector.Selector
	client *client.Client
}

func New(h host.Host, source discovery.Source, opts ...Option) (*Transport, error) {
	t := &Transport{
		host: h,
		cfg:  DefaultConfig(),
		clk:  clock.New(),
	}

	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, fmt.Errorf("error applying relay transport option: %w", err)
		}
	}

	if t.prober == nil {
		t.prober = selector.NewStreamProber(h, t.cfg.PeerProtocolTimeout)
	}

	discOpts := []discovery.Option{
		discovery.WithInterval(t.cfg.DiscoveryInterval),
		discovery.WithMaxRelays(t.cfg.MaxRelays),
		discovery.WithQueryTimeout(t.cfg.DiscoveryStreamTimeout),
		discovery.WithClock(t.clk),
	}
	if t.cfg.EnableAutoRelay && t.cfg.EnableClient {
		discOpts = append(discOpts, discovery.WithReserver(t))
	}

	disc, err := discovery.New(source, discOpts...)
	if err != nil {
		return nil, err
	}
	t.disc = disc

	sel, err := selector.New(disc, t.prober,
		selector.WithEnabled(t.cfg.EnableAutoRelay),
		selector.WithMaxAttempts(t.cfg.MaxAutoRelayAttempts),
		selector.WithClock(t.clk),
	)
	if err != nil {
		return nil, err
	}
	t.sel = sel

	if t.cfg.EnableClient {
		t.client = client.New(h)
		t.client.Start()
	}
	if t.cfg.EnableAutoRelay {
		t.disc.Start()
	}

	return t, nil
}

func (t *Transport) Close() error {
	t.disc.Close()
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}

// Discovery exposes the candidate store.
func (t *Transport) Discovery() *discovery.Discovery { return t.disc }

// Selector exposes the health tracker.
func (t *Transport) Selector() *selector.Selector { return t.sel }

// DialPeer opens a relayed connection to dest. The relay is chosen by
// the selector; there is no fallback to a direct dial. A relay refusal
// for lack of resources surfaces as ErrRelayCapacity.
func (t *Transport) DialPeer(ctx context.Context, dest peer.AddrInfo) (*client.Conn, error) {
	if !t.cfg.EnableClient {
		return nil, ErrClientDisabled
	}

	relay, err := t.sel.Select(ctx)
	if err != nil {
		return nil, fmt.Errorf("selecting relay: %w", err)
	}

	rinfo := peer.AddrInfo{ID: relay}
	if info, ok := t.disc.Info(relay); ok {
		rinfo.Addrs = info.Addrs
	}

	conn, err := t.client.Connect(ctx, rinfo, dest)
	if err != nil {
		var se *proto.StatusError
		if errors.As(err, &se) && se.Status == proto.StatusResourceLimitExceeded {
			return nil, fmt.Errorf("%w: %s", ErrRelayCapacity, se)
		}
		return nil, err
	}

	log.Debugf("relayed connection to %s through %s", dest.ID, relay)
	return conn, nil
}

// Accept blocks until an inbound relayed connection arrives.
func (t *Transport) Accept(ctx context.Context) (*client.Conn, error) {
	if t.client == nil {
		return nil, ErrClientDisabled
	}
	return t.client.Accept(ctx)
}

// Serve enables the serving role on the transport's host: the returned
// Relay accepts hop streams and relays circuits within its configured
// resources. Its lifecycle is independent of the transport's.
func (t *Transport) Serve(opts ...server.Option) (*server.Relay, error) {
	return server.New(t.host, opts...)
}

// Reserve obtains a reservation with the given relay on behalf of
// this host. Implements discovery.Reserver, so freshly discovered
// relays get reserved automatically.
func (t *Transport) Reserve(ctx context.Context, relay peer.AddrInfo) error {
	if len(relay.Addrs) > 0 {
		t.host.Peerstore().AddAddrs(relay.ID, relay.Addrs, peerstore.TempAddrTTL)
	}

	rsvp, err := client.Reserve(ctx, t.host, relay)
	if err != nil {
		return err
	}

	log.Debugf("reserved slot with relay %s until %s", relay.ID, rsvp.Expiration)
	return nil
}
