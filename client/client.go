package client

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p-relay/proto"

	"github.com/libp2p/go-libp2p-core/host"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("p2p-circuit")

var (
	// StreamTimeout bounds the stop handshake with a relay.
	StreamTimeout = time.Minute
	// AcceptTimeout is how long an inbound circuit waits for the local
	// peer to accept it before it is refused.
	AcceptTimeout = 10 * time.Second
)

// Client is the dialing side of the circuit protocol. It opens
// circuits through relays picked by the caller and accepts circuits
// relayed to this peer.
type Client struct {
	ctx    context.Context
	cancel func()

	host     host.Host
	incoming chan accept
}

type accept struct {
	conn          *Conn
	writeResponse func() error
}

func New(h host.Host) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ctx:      ctx,
		cancel:   cancel,
		host:     h,
		incoming: make(chan accept),
	}
}

// Start registers the stop protocol handler so that circuits relayed
// toward this peer can be accepted.
func (c *Client) Start() {
	c.host.SetStreamHandler(proto.ProtoIDStop, c.handleStopStream)
}

func (c *Client) Close() error {
	c.cancel()
	c.host.RemoveStreamHandler(proto.ProtoIDStop)
	return nil
}

// Accept waits for the next inbound circuit and acknowledges it.
func (c *Client) Accept(ctx context.Context) (*Conn, error) {
	select {
	case a := <-c.incoming:
		if err := a.writeResponse(); err != nil {
			a.conn.stream.Reset()
			return nil, fmt.Errorf("error accepting relayed connection: %w", err)
		}
		a.conn.setState(proto.CircuitRelaying)
		return a.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}
