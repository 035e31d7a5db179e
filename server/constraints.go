package server

import (
	"errors"
	"net"

	"github.com/libp2p/go-libp2p-core/peer"

	asnutil "github.com/libp2p/go-libp2p-asn-util"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var (
	ErrNoIP              = errors.New("no IP address associated with peer")
	ErrTooManyPeersInIP  = errors.New("too many reservations for IP address")
	ErrTooManyPeersInASN = errors.New("too many reservations for ASN")
)

// ipConstraints bounds reservations per origin IP and, for IPv6, per
// origin ASN. The methods are not thread-safe; the admission lock must
// be held.
type ipConstraints struct {
	iplimit, asnlimit int

	peers map[peer.ID]net.IP
	ips   map[string]map[peer.ID]struct{}
	asns  map[string]map[peer.ID]struct{}
}

func newIPConstraints(rc Resources) *ipConstraints {
	return &ipConstraints{
		iplimit:  rc.MaxReservationsPerIP,
		asnlimit: rc.MaxReservationsPerASN,

		peers: make(map[peer.ID]net.IP),
		ips:   make(map[string]map[peer.ID]struct{}),
		asns:  make(map[string]map[peer.ID]struct{}),
	}
}

// add records a reservation for p arriving from a; it returns an error
// if the origin limits would be violated.
func (cs *ipConstraints) add(p peer.ID, a ma.Multiaddr) error {
	ip, err := manet.ToIP(a)
	if err != nil {
		return ErrNoIP
	}

	ips := ip.String()
	peersInIP := cs.ips[ips]
	if cs.iplimit > 0 && len(peersInIP) >= cs.iplimit {
		return ErrTooManyPeersInIP
	}

	asn, _ := asnutil.Store.AsnForIPv6(ip)
	peersInASN := cs.asns[asn]
	if asn != "" && cs.asnlimit > 0 && len(peersInASN) >= cs.asnlimit {
		return ErrTooManyPeersInASN
	}

	cs.peers[p] = ip

	if peersInIP == nil {
		peersInIP = make(map[peer.ID]struct{})
		cs.ips[ips] = peersInIP
	}
	peersInIP[p] = struct{}{}

	if asn != "" {
		if peersInASN == nil {
			peersInASN = make(map[peer.ID]struct{})
			cs.asns[asn] = peersInASN
		}
		peersInASN[p] = struct{}{}
	}

	return nil
}

// remove drops the reservation accounting for p; it is a no-op for
// unknown peers.
func (cs *ipConstraints) remove(p peer.ID) {
	ip, ok := cs.peers[p]
	if !ok {
		return
	}
	delete(cs.peers, p)

	ips := ip.String()
	peersInIP, ok := cs.ips[ips]
	if ok {
		delete(peersInIP, p)
		if len(peersInIP) == 0 {
			delete(cs.ips, ips)
		}
	}

	asn, _ := asnutil.Store.AsnForIPv6(ip)
	if asn == "" {
		return
	}
	peersInASN, ok := cs.asns[asn]
	if ok {
		delete(peersInASN, p)
		if len(peersInASN) == 0 {
			delete(cs.asns, asn)
		}
	}
}
