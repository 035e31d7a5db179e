package client

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p-relay/proto"
	"github.com/libp2p/go-libp2p-relay/util"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/peerstore"
)

// Connect opens a circuit to dest through the given relay. The relay's
// acceptance or rejection is observed here; the limits it enforces are
// carried on the returned Conn.
func (c *Client) Connect(ctx context.Context, relay, dest peer.AddrInfo) (*Conn, error) {
	log.Debugf("dialing peer %s through relay %s", dest.ID, relay.ID)

	if len(relay.Addrs) > 0 {
		c.host.Peerstore().AddAddrs(relay.ID, relay.Addrs, peerstore.TempAddrTTL)
	}

	conn := &Conn{remote: dest}
	conn.setState(proto.CircuitConnecting)

	s, err := c.host.NewStream(ctx, relay.ID, proto.ProtoIDHop)
	if err != nil {
		conn.setState(proto.CircuitFailed)
		return nil, fmt.Errorf("error opening hop stream to relay: %w", err)
	}

	rd := util.NewDelimitedReader(s, proto.MaxMessageSize)
	wr := util.NewDelimitedWriter(s)
	defer rd.Close()

	var msg proto.Message
	msg.Type = proto.MsgConnect
	msg.Peer = &dest

	if err := wr.WriteMsg(&msg); err != nil {
		s.Reset()
		conn.setState(proto.CircuitFailed)
		return nil, fmt.Errorf("error writing connect message: %w", err)
	}

	msg = proto.Message{}
	if err := rd.ReadMsg(&msg); err != nil {
		s.Reset()
		conn.setState(proto.CircuitFailed)
		return nil, fmt.Errorf("error reading connect response: %w", err)
	}

	if msg.Type != proto.MsgStatus {
		s.Reset()
		conn.setState(proto.CircuitFailed)
		return nil, fmt.Errorf("unexpected relay response; not a status message (%d)", msg.Type)
	}

	if msg.Status != proto.StatusOK {
		s.Reset()
		conn.setState(proto.CircuitFailed)
		return nil, fmt.Errorf("error opening circuit: %w", &proto.StatusError{Status: msg.Status})
	}

	conn.stream = s
	conn.limit = msg.Limit
	conn.setState(proto.CircuitRelaying)
	return conn, nil
}
