package client

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p-relay/proto"

	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
)

// Conn is a relayed connection; it implements net.Conn over the hop or
// stop stream that carries the circuit.
type Conn struct {
	stream network.Stream
	remote peer.AddrInfo
	limit  *proto.Limit

	state uint32
}

var _ net.Conn = (*Conn)(nil)

// NetAddr labels the two hops of a relayed connection.
type NetAddr struct {
	Relay  string
	Remote string
}

var _ net.Addr = (*NetAddr)(nil)

func (n *NetAddr) Network() string {
	return "libp2p-circuit-relay"
}

func (n *NetAddr) String() string {
	return fmt.Sprintf("relay[%s-%s]", n.Remote, n.Relay)
}

func (c *Conn) setState(st proto.CircuitState) {
	atomic.StoreUint32(&c.state, uint32(st))
}

// State reports where the circuit is in its lifecycle.
func (c *Conn) State() proto.CircuitState {
	return proto.CircuitState(atomic.LoadUint32(&c.state))
}

// RemotePeer is the peer on the far side of the circuit.
func (c *Conn) RemotePeer() peer.ID {
	return c.remote.ID
}

// RelayPeer is the relay carrying the circuit.
func (c *Conn) RelayPeer() peer.ID {
	return c.stream.Conn().RemotePeer()
}

// Limit is the per-circuit quota advertised by the relay, nil when the
// relay did not announce one.
func (c *Conn) Limit() *proto.Limit {
	return c.limit
}

func (c *Conn) Read(buf []byte) (int, error) {
	return c.stream.Read(buf)
}

func (c *Conn) Write(buf []byte) (int, error) {
	return c.stream.Write(buf)
}

func (c *Conn) Close() error {
	c.setState(proto.CircuitClosed)
	return c.stream.Close()
}

// Reset aborts the circuit without waiting for in-flight data.
func (c *Conn) Reset() error {
	c.setState(proto.CircuitClosed)
	return c.stream.Reset()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

func (c *Conn) LocalAddr() net.Addr {
	return &NetAddr{
		Relay:  c.stream.Conn().RemotePeer().String(),
		Remote: "self",
	}
}

func (c *Conn) RemoteAddr() net.Addr {
	return &NetAddr{
		Relay:  c.stream.Conn().RemotePeer().String(),
		Remote: c.remote.ID.String(),
	}
}
