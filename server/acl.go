package server

import (
	"sync"

	"github.com/libp2p/go-libp2p-core/peer"

	ma "github.com/multiformats/go-multiaddr"
)

// ACLFilter decides which peers may reserve slots and open circuits.
type ACLFilter interface {
	AllowReserve(p peer.ID, a ma.Multiaddr) bool
	AllowConnect(src peer.ID, srcAddr ma.Multiaddr, dest peer.ID) bool
}

// PeerFilter is an ACLFilter allowing a fixed, mutable set of peers.
// Removing a peer does not terminate circuits it already holds.
type PeerFilter struct {
	mx      sync.RWMutex
	allowed map[peer.ID]struct{}
}

var _ ACLFilter = (*PeerFilter)(nil)

func NewPeerFilter(ids ...peer.ID) *PeerFilter {
	pf := &PeerFilter{allowed: make(map[peer.ID]struct{}, len(ids))}
	for _, p := range ids {
		pf.allowed[p] = struct{}{}
	}
	return pf
}

func (pf *PeerFilter) Allow(p peer.ID) {
	pf.mx.Lock()
	pf.allowed[p] = struct{}{}
	pf.mx.Unlock()
}

func (pf *PeerFilter) Deny(p peer.ID) {
	pf.mx.Lock()
	delete(pf.allowed, p)
	pf.mx.Unlock()
}

func (pf *PeerFilter) contains(p peer.ID) bool {
	pf.mx.RLock()
	_, ok := pf.allowed[p]
	pf.mx.RUnlock()
	return ok
}

func (pf *PeerFilter) AllowReserve(p peer.ID, a ma.Multiaddr) bool {
	return pf.contains(p)
}

func (pf *PeerFilter) AllowConnect(src peer.ID, srcAddr ma.Multiaddr, dest peer.ID) bool {
	return pf.contains(src) || pf.contains(dest)
}

type andFilter struct {
	a, b ACLFilter
}

func (f andFilter) AllowReserve(p peer.ID, a ma.Multiaddr) bool {
	return f.a.AllowReserve(p, a) && f.b.AllowReserve(p, a)
}

func (f andFilter) AllowConnect(src peer.ID, srcAddr ma.Multiaddr, dest peer.ID) bool {
	return f.a.AllowConnect(src, srcAddr, dest) && f.b.AllowConnect(src, srcAddr, dest)
}

// ACLAnd combines two filters; both must allow.
func ACLAnd(a, b ACLFilter) ACLFilter {
	return andFilter{a, b}
}

type orFilter struct {
	a, b ACLFilter
}

func (f orFilter) AllowReserve(p peer.ID, a ma.Multiaddr) bool {
	return f.a.AllowReserve(p, a) || f.b.AllowReserve(p, a)
}

func (f orFilter) AllowConnect(src peer.ID, srcAddr ma.Multiaddr, dest peer.ID) bool {
	return f.a.AllowConnect(src, srcAddr, dest) || f.b.AllowConnect(src, srcAddr, dest)
}

// ACLOr combines two filters; either may allow.
func ACLOr(a, b ACLFilter) ACLFilter {
	return orFilter{a, b}
}
