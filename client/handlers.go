package client

import (
	"time"

	"github.com/libp2p/go-libp2p-relay/proto"
	"github.com/libp2p/go-libp2p-relay/util"

	"github.com/libp2p/go-libp2p-core/network"
)

func (c *Client) handleStopStream(s network.Stream) {
	log.Debugf("new stop stream from: %s", s.Conn().RemotePeer())

	s.SetReadDeadline(time.Now().Add(StreamTimeout))

	rd := util.NewDelimitedReader(s, proto.MaxMessageSize)
	defer rd.Close()

	writeResponse := func(status proto.Status) error {
		wr := util.NewDelimitedWriter(s)
		msg := proto.Message{Type: proto.MsgStatus, Status: status}
		return wr.WriteMsg(&msg)
	}

	handleError := func(status proto.Status) {
		log.Debugf("stop protocol error: %s (%d)", status, uint64(status))
		if err := writeResponse(status); err != nil {
			s.Reset()
			log.Debugf("error writing stop response: %s", err)
		} else {
			s.Close()
		}
	}

	var msg proto.Message
	if err := rd.ReadMsg(&msg); err != nil {
		handleError(proto.StatusMalformedMessage)
		return
	}
	s.SetReadDeadline(time.Time{})

	if msg.Type != proto.MsgStop {
		log.Debugf("unexpected stop message type: %d", msg.Type)
		handleError(proto.StatusUnexpectedMessage)
		return
	}

	if msg.Peer == nil {
		handleError(proto.StatusMalformedMessage)
		return
	}
	src := *msg.Peer

	log.Infof("incoming relayed connection from: %s", src.ID)

	conn := &Conn{stream: s, remote: src, limit: msg.Limit}
	conn.setState(proto.CircuitConnecting)

	select {
	case c.incoming <- accept{
		conn: conn,
		writeResponse: func() error {
			return writeResponse(proto.StatusOK)
		},
	}:
	case <-time.After(AcceptTimeout):
		handleError(proto.StatusConnectionFailed)
	case <-c.ctx.Done():
		handleError(proto.StatusConnectionFailed)
	}
}
