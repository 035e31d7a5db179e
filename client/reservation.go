package client

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p-relay/proto"
	"github.com/libp2p/go-libp2p-relay/util"

	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/peerstore"
)

// Reservation is a relay's promise to forward connect requests for the
// reserving peer.
type Reservation struct {
	Expiration time.Time
	Relay      peer.AddrInfo

	// LimitDuration and LimitData are the per-circuit quotas the relay
	// advertised; zero means unlimited.
	LimitDuration time.Duration
	LimitData     int64

	// Voucher is the relay's signed reservation promise, when the
	// relay issued one.
	Voucher *proto.ReservationVoucher
}

// Reserve obtains a relay slot at the given relay.
func Reserve(ctx context.Context, h host.Host, relay peer.AddrInfo) (*Reservation, error) {
	if len(relay.Addrs) > 0 {
		h.Peerstore().AddAddrs(relay.ID, relay.Addrs, peerstore.TempAddrTTL)
	}

	s, err := h.NewStream(ctx, relay.ID, proto.ProtoIDHop)
	if err != nil {
		return nil, fmt.Errorf("error opening hop stream to relay: %w", err)
	}
	defer s.Close()

	rd := util.NewDelimitedReader(s, proto.MaxMessageSize)
	wr := util.NewDelimitedWriter(s)
	defer rd.Close()

	var msg proto.Message
	msg.Type = proto.MsgReserve

	if err := wr.WriteMsg(&msg); err != nil {
		s.Reset()
		return nil, fmt.Errorf("error writing reservation message: %w", err)
	}

	msg = proto.Message{}
	if err := rd.ReadMsg(&msg); err != nil {
		s.Reset()
		return nil, fmt.Errorf("error reading reservation response: %w", err)
	}

	if msg.Type != proto.MsgStatus {
		return nil, fmt.Errorf("unexpected relay response: not a status message (%d)", msg.Type)
	}

	if msg.Status != proto.StatusOK {
		return nil, fmt.Errorf("reservation failed: %w", &proto.StatusError{Status: msg.Status})
	}

	rsvp := msg.Reservation
	if rsvp == nil {
		return nil, fmt.Errorf("missing reservation info")
	}

	result := &Reservation{
		Expiration: rsvp.Expire,
		Relay:      peer.AddrInfo{ID: relay.ID, Addrs: rsvp.Addrs},
	}

	if msg.Limit != nil {
		result.LimitDuration = msg.Limit.Duration
		result.LimitData = msg.Limit.Data
	}

	if rsvp.Voucher != nil {
		var voucher proto.ReservationVoucher
		if err := voucher.Unmarshal(rsvp.Voucher); err != nil {
			return nil, fmt.Errorf("error unmarshalling reservation voucher: %w", err)
		}
		if pubk := h.Peerstore().PubKey(relay.ID); pubk != nil {
			if err := voucher.Verify(pubk); err != nil {
				return nil, fmt.Errorf("invalid reservation voucher: %w", err)
			}
		}
		result.Voucher = &voucher
	}

	return result, nil
}
