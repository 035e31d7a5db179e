package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p-relay/proto"
	"github.com/libp2p/go-libp2p-relay/util"

	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	pool "github.com/libp2p/go-buffer-pool"
)

var log = logging.Logger("relay")

const (
	streamTimeout    = time.Minute
	connectTimeout   = 30 * time.Second
	handshakeTimeout = time.Minute
	sweepInterval    = time.Minute

	reservationTag       = "relay-reservation"
	reservationTagWeight = 10
)

// Relay is the serving side of the circuit protocol: it accepts hop
// streams, runs every request through the admission controller and
// relays bytes between the two parties within the configured quotas.
type Relay struct {
	ctx    context.Context
	cancel func()

	host host.Host
	rc   Resources
	acl  ACLFilter
	adm  *Admission
	clk  clock.Clock

	requireReservation bool

	notifiee network.Notifiee

	mx     sync.Mutex
	closed bool
}

func New(h host.Host, opts ...Option) (*Relay, error) {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		ctx:    ctx,
		cancel: cancel,
		host:   h,
		rc:     DefaultResources(),
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			cancel()
			return nil, fmt.Errorf("error applying relay option: %w", err)
		}
	}
	if r.clk == nil {
		r.clk = clock.New()
	}

	r.adm = NewAdmission(r.rc, r.clk)

	h.SetStreamHandler(proto.ProtoIDHop, r.handleStream)

	r.notifiee = &network.NotifyBundle{DisconnectedF: r.disconnected}
	h.Network().Notify(r.notifiee)

	go r.background()

	return r, nil
}

// Admission exposes the relay's admission controller, mostly for
// inspection in tests and diagnostics.
func (r *Relay) Admission() *Admission {
	return r.adm
}

func (r *Relay) Close() error {
	r.mx.Lock()
	if r.closed {
		r.mx.Unlock()
		return nil
	}
	r.closed = true
	r.mx.Unlock()

	r.host.RemoveStreamHandler(proto.ProtoIDHop)
	r.host.Network().StopNotify(r.notifiee)
	r.cancel()
	r.adm.Close()
	return nil
}

func (r *Relay) background() {
	ticker := r.clk.Ticker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.adm.Sweep()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Relay) disconnected(n network.Network, c network.Conn) {
	p := c.RemotePeer()
	if n.Connectedness(p) == network.Connected {
		return
	}
	if r.adm.ReleasePeerReservation(p) {
		r.host.ConnManager().UntagPeer(p, reservationTag)
	}
}

func (r *Relay) handleStream(s network.Stream) {
	log.Debugf("new hop stream from: %s", s.Conn().RemotePeer())

	s.SetReadDeadline(time.Now().Add(streamTimeout))

	rd := util.NewDelimitedReader(s, proto.MaxMessageSize)
	defer rd.Close()

	var msg proto.Message
	if err := rd.ReadMsg(&msg); err != nil {
		r.handleError(s, proto.StatusMalformedMessage)
		return
	}
	// message read; the exchange continues without a deadline
	s.SetReadDeadline(time.Time{})

	switch msg.Type {
	case proto.MsgReserve:
		r.handleReserve(s)
	case proto.MsgConnect:
		r.handleConnect(s, &msg)
	default:
		r.handleError(s, proto.StatusUnexpectedMessage)
	}
}

func (r *Relay) handleReserve(s network.Stream) {
	defer s.Close()

	p := s.Conn().RemotePeer()
	a := s.Conn().RemoteMultiaddr()

	if util.IsRelayAddr(a) {
		log.Debugf("refusing reservation for %s; attempt over a relayed connection", p)
		r.handleError(s, proto.StatusPermissionDenied)
		return
	}

	if r.acl != nil && !r.acl.AllowReserve(p, a) {
		log.Debugf("refusing reservation for %s; permission denied", p)
		r.handleError(s, proto.StatusPermissionDenied)
		return
	}

	rv, err := r.adm.Reserve(p, a)
	if err != nil {
		log.Debugf("refusing reservation for %s: %s", p, err)
		r.handleError(s, reserveStatus(err))
		return
	}

	r.host.ConnManager().TagPeer(p, reservationTag, reservationTagWeight)

	log.Debugf("reserved relay slot for %s", p)

	if err := r.writeResponse(s, proto.StatusOK, r.makeReservationInfo(p, rv.Expire), r.rc.Limit); err != nil {
		log.Debugf("error writing reservation response; retracting reservation for %s", p)
		s.Reset()
		r.adm.Release(rv.Handle())
		r.host.ConnManager().UntagPeer(p, reservationTag)
	}
}

func reserveStatus(err error) proto.Status {
	switch {
	case errors.Is(err, ErrTooManyReservations):
		return proto.StatusResourceLimitExceeded
	case errors.Is(err, ErrAdmissionClosed):
		return proto.StatusPermissionDenied
	default:
		// origin constraint violations
		return proto.StatusReservationRefused
	}
}

func (r *Relay) handleConnect(s network.Stream, msg *proto.Message) {
	src := s.Conn().RemotePeer()
	a := s.Conn().RemoteMultiaddr()

	if util.IsRelayAddr(a) {
		log.Debugf("refusing connection from %s; attempt over a relayed connection", src)
		r.handleError(s, proto.StatusPermissionDenied)
		return
	}

	if msg.Peer == nil {
		r.handleError(s, proto.StatusMalformedMessage)
		return
	}
	dest := *msg.Peer

	if dest.ID == r.host.ID() {
		log.Debugf("refusing connection from %s; hop to self", src)
		r.handleError(s, proto.StatusPermissionDenied)
		return
	}

	if r.acl != nil && !r.acl.AllowConnect(src, a, dest.ID) {
		log.Debugf("refusing connection from %s to %s; permission denied", src, dest.ID)
		r.handleError(s, proto.StatusPermissionDenied)
		return
	}

	if r.requireReservation && !r.adm.HasReservation(dest.ID) {
		log.Debugf("refusing connection from %s to %s; no reservation", src, dest.ID)
		r.handleError(s, proto.StatusNoReservation)
		return
	}

	// only relay between peers we are already connected to
	if r.host.Network().Connectedness(dest.ID) != network.Connected {
		log.Debugf("refusing connection from %s to %s; not connected to destination", src, dest.ID)
		r.handleError(s, proto.StatusConnectionFailed)
		return
	}

	circ, err := r.adm.OpenCircuit(src, dest.ID)
	if err != nil {
		log.Debugf("refusing connection from %s to %s: %s", src, dest.ID, err)
		r.handleError(s, proto.StatusResourceLimitExceeded)
		return
	}

	fail := func(status proto.Status) {
		r.adm.Release(circ.Handle())
		r.handleError(s, status)
	}

	ctx, cancel := context.WithTimeout(r.ctx, connectTimeout)
	defer cancel()

	bs, err := r.host.NewStream(ctx, dest.ID, proto.ProtoIDStop)
	if err != nil {
		log.Debugf("error opening stop stream to %s: %s", dest.ID, err)
		fail(proto.StatusConnectionFailed)
		return
	}

	fail = func(status proto.Status) {
		bs.Reset()
		r.adm.Release(circ.Handle())
		r.handleError(s, status)
	}

	rd := util.NewDelimitedReader(bs, proto.MaxMessageSize)
	wr := util.NewDelimitedWriter(bs)
	defer rd.Close()

	var stopmsg proto.Message
	stopmsg.Type = proto.MsgStop
	stopmsg.Peer = &peer.AddrInfo{ID: src}
	stopmsg.Limit = r.rc.Limit

	bs.SetDeadline(time.Now().Add(handshakeTimeout))

	if err := wr.WriteMsg(&stopmsg); err != nil {
		log.Debugf("error writing stop handshake: %s", err)
		fail(proto.StatusConnectionFailed)
		return
	}

	stopmsg = proto.Message{}
	if err := rd.ReadMsg(&stopmsg); err != nil {
		log.Debugf("error reading stop response: %s", err)
		fail(proto.StatusConnectionFailed)
		return
	}

	if stopmsg.Type != proto.MsgStatus {
		log.Debugf("unexpected stop response; not a status message (%d)", stopmsg.Type)
		fail(proto.StatusConnectionFailed)
		return
	}

	if stopmsg.Status != proto.StatusOK {
		log.Debugf("relay stop failed: %s", stopmsg.Status)
		fail(proto.StatusConnectionFailed)
		return
	}

	if err := r.writeResponse(s, proto.StatusOK, nil, r.rc.Limit); err != nil {
		log.Debugf("error writing relay response: %s", err)
		bs.Reset()
		s.Reset()
		r.adm.Release(circ.Handle())
		return
	}

	bs.SetDeadline(time.Time{})

	log.Infof("relaying connection from %s to %s", src, dest.ID)

	var goroutines int32 = 2
	done := func() {
		if atomic.AddInt32(&goroutines, -1) == 0 {
			s.Close()
			bs.Close()
			r.adm.Release(circ.Handle())
		}
	}

	circ.SetCloser(func() {
		s.Reset()
		bs.Reset()
	})

	if r.rc.Limit != nil {
		deadline := time.Now().Add(r.rc.Limit.Duration)
		s.SetDeadline(deadline)
		bs.SetDeadline(deadline)
		go r.relayLimited(s, bs, src, dest.ID, circ, done)
		go r.relayLimited(bs, s, dest.ID, src, circ, done)
	} else {
		go r.relayUnlimited(s, bs, src, dest.ID, circ, done)
		go r.relayUnlimited(bs, s, dest.ID, src, circ, done)
	}
}

func (r *Relay) relayLimited(src, dest network.Stream, srcID, destID peer.ID, circ *Circuit, done func()) {
	defer done()

	buf := pool.Get(r.rc.BufferSize)
	defer pool.Put(buf)

	limit := r.rc.Limit.Data
	limitedSrc := io.LimitReader(src, limit)

	count, err := r.copyWithBuffer(dest, limitedSrc, buf, circ)
	if err != nil {
		log.Debugf("relay copy error: %s", err)
		src.Reset()
		dest.Reset()
	} else {
		// propagate the close
		dest.CloseWrite()
		if count == limit {
			// byte budget exhausted; drop any further input
			src.CloseRead()
		}
	}

	log.Debugf("relayed %d bytes from %s to %s", count, srcID, destID)
}

func (r *Relay) relayUnlimited(src, dest network.Stream, srcID, destID peer.ID, circ *Circuit, done func()) {
	defer done()

	buf := pool.Get(r.rc.BufferSize)
	defer pool.Put(buf)

	count, err := r.copyWithBuffer(dest, src, buf, circ)
	if err != nil {
		log.Debugf("relay copy error: %s", err)
		src.Reset()
		dest.Reset()
	} else {
		dest.CloseWrite()
	}

	log.Debugf("relayed %d bytes from %s to %s", count, srcID, destID)
}

var errInvalidWrite = errors.New("invalid write result")

// copyWithBuffer is io.CopyBuffer specialized to account the relayed
// bytes on the circuit record.
func (r *Relay) copyWithBuffer(dst io.Writer, src io.Reader, buf []byte, circ *Circuit) (written int64, err error) {
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[0:nr])
			if nw < 0 || nr < nw {
				nw = 0
				if ew == nil {
					ew = errInvalidWrite
				}
			}
			written += int64(nw)
			circ.AddBytes(int64(nw))
			if ew != nil {
				err = ew
				break
			}
			if nr != nw {
				err = io.ErrShortWrite
				break
			}
		}
		if er != nil {
			if er != io.EOF {
				err = er
			}
			break
		}
	}
	return written, err
}

func (r *Relay) handleError(s network.Stream, status proto.Status) {
	log.Debugf("relay error: %s (%d)", status, uint64(status))
	if err := r.writeResponse(s, status, nil, nil); err != nil {
		s.Reset()
		log.Debugf("error writing relay response: %s", err)
	} else {
		s.Close()
	}
}

func (r *Relay) writeResponse(s network.Stream, status proto.Status, rsvp *proto.ReservationInfo, limit *proto.Limit) error {
	s.SetWriteDeadline(time.Now().Add(streamTimeout))
	defer s.SetWriteDeadline(time.Time{})

	wr := util.NewDelimitedWriter(s)

	msg := proto.Message{
		Type:        proto.MsgStatus,
		Status:      status,
		Reservation: rsvp,
		Limit:       limit,
	}
	return wr.WriteMsg(&msg)
}

func (r *Relay) makeReservationInfo(p peer.ID, expire time.Time) *proto.ReservationInfo {
	info := &proto.ReservationInfo{
		Expire: expire,
		Addrs:  r.host.Addrs(),
	}

	privk := r.host.Peerstore().PrivKey(r.host.ID())
	if privk == nil {
		// no signing key available; issue the reservation unvouched
		return info
	}

	voucher := &proto.ReservationVoucher{
		Relay:      r.host.ID(),
		Peer:       p,
		Expiration: expire,
	}
	if err := voucher.Sign(privk); err != nil {
		log.Errorf("error signing reservation voucher for %s: %s", p, err)
		return info
	}
	blob, err := voucher.Marshal()
	if err != nil {
		log.Errorf("error marshalling reservation voucher for %s: %s", p, err)
		return info
	}
	info.Voucher = blob

	return info
}
