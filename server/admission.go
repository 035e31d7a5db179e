package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
)

var (
	ErrTooManyReservations = errors.New("too many reservations")
	ErrTooManyCircuits     = errors.New("too many circuits")
	ErrAdmissionClosed     = errors.New("admission controller closed")
)

// Reservation is an active reservation record in the admission arena.
type Reservation struct {
	Peer      peer.ID
	Addr      ma.Multiaddr
	GrantedAt time.Time
	Expire    time.Time

	handle uint64
}

func (rv *Reservation) Handle() uint64 { return rv.handle }

// Circuit is an active circuit record in the admission arena.
type Circuit struct {
	Src      peer.ID
	Dst      peer.ID
	OpenedAt time.Time

	handle uint64
	bytes  int64

	// force closes the circuit's streams; set by the relay before the
	// circuit starts relaying, called by the sweep when a quota lapses.
	force atomic.Value // func()
}

func (c *Circuit) Handle() uint64 { return c.handle }

// AddBytes accounts n relayed bytes and returns the new total.
func (c *Circuit) AddBytes(n int64) int64 {
	return atomic.AddInt64(&c.bytes, n)
}

func (c *Circuit) Bytes() int64 {
	return atomic.LoadInt64(&c.bytes)
}

// SetCloser installs the function used to forcibly terminate the
// circuit when its duration or byte budget is exceeded.
func (c *Circuit) SetCloser(f func()) {
	c.force.Store(f)
}

func (c *Circuit) forceClose() {
	if f, ok := c.force.Load().(func()); ok && f != nil {
		f()
	}
}

// Admission is the capacity gatekeeper of a serving relay. Active
// reservations and circuits live in handle-keyed arenas; the quota
// counters are the arena sizes, so a record and its quota unit cannot
// diverge. Release is idempotent: the first release removes the record,
// later calls find nothing.
type Admission struct {
	rc  Resources
	clk clock.Clock

	mx     sync.Mutex
	closed bool
	next   uint64

	reservations map[uint64]*Reservation
	byPeer       map[peer.ID]uint64
	circuits     map[uint64]*Circuit

	ipcs *ipConstraints
}

func NewAdmission(rc Resources, clk clock.Clock) *Admission {
	if clk == nil {
		clk = clock.New()
	}
	return &Admission{
		rc:           rc,
		clk:          clk,
		reservations: make(map[uint64]*Reservation),
		byPeer:       make(map[peer.ID]uint64),
		circuits:     make(map[uint64]*Circuit),
		ipcs:         newIPConstraints(rc),
	}
}

// Reserve admits a reservation for p or rejects it when the reservation
// quota or the per-origin constraints are exhausted. A peer renewing an
// existing reservation does not consume a second quota unit.
func (a *Admission) Reserve(p peer.ID, addr ma.Multiaddr) (*Reservation, error) {
	a.mx.Lock()
	defer a.mx.Unlock()

	if a.closed {
		return nil, ErrAdmissionClosed
	}

	now := a.clk.Now()
	a.expireLocked(now)

	if prev, ok := a.byPeer[p]; ok {
		// renewal: release the old slot before granting the new one
		a.releaseReservationLocked(prev)
	}

	if len(a.reservations) >= a.rc.MaxReservations {
		return nil, ErrTooManyReservations
	}

	if addr != nil {
		if err := a.ipcs.add(p, addr); err != nil {
			return nil, err
		}
	}

	a.next++
	rv := &Reservation{
		Peer:      p,
		Addr:      addr,
		GrantedAt: now,
		Expire:    now.Add(a.rc.ReservationTTL),
		handle:    a.next,
	}
	a.reservations[rv.handle] = rv
	a.byPeer[p] = rv.handle

	return rv, nil
}

// OpenCircuit admits a circuit between src and dst or rejects it when
// the circuit quota is exhausted.
func (a *Admission) OpenCircuit(src, dst peer.ID) (*Circuit, error) {
	a.mx.Lock()
	defer a.mx.Unlock()

	if a.closed {
		return nil, ErrAdmissionClosed
	}

	now := a.clk.Now()
	a.expireLocked(now)

	if len(a.circuits) >= a.rc.MaxCircuits {
		return nil, ErrTooManyCircuits
	}

	a.next++
	c := &Circuit{
		Src:      src,
		Dst:      dst,
		OpenedAt: now,
		handle:   a.next,
	}
	a.circuits[c.handle] = c

	return c, nil
}

// Release returns the quota unit held by the given handle. Releasing an
// unknown or already released handle is a no-op.
func (a *Admission) Release(handle uint64) {
	a.mx.Lock()
	defer a.mx.Unlock()

	if _, ok := a.reservations[handle]; ok {
		a.releaseReservationLocked(handle)
		return
	}
	delete(a.circuits, handle)
}

func (a *Admission) releaseReservationLocked(handle uint64) {
	rv, ok := a.reservations[handle]
	if !ok {
		return
	}
	delete(a.reservations, handle)
	if a.byPeer[rv.Peer] == handle {
		delete(a.byPeer, rv.Peer)
	}
	a.ipcs.remove(rv.Peer)
}

// ReleasePeerReservation drops p's active reservation, if any, and
// reports whether one was held. Used when the peer disconnects.
func (a *Admission) ReleasePeerReservation(p peer.ID) bool {
	a.mx.Lock()
	defer a.mx.Unlock()

	handle, ok := a.byPeer[p]
	if !ok {
		return false
	}
	a.releaseReservationLocked(handle)
	return true
}

// HasReservation reports whether p holds an unexpired reservation.
func (a *Admission) HasReservation(p peer.ID) bool {
	a.mx.Lock()
	defer a.mx.Unlock()

	handle, ok := a.byPeer[p]
	if !ok {
		return false
	}
	rv := a.reservations[handle]
	return rv != nil && rv.Expire.After(a.clk.Now())
}

func (a *Admission) ActiveReservations() int {
	a.mx.Lock()
	defer a.mx.Unlock()
	return len(a.reservations)
}

func (a *Admission) ActiveCircuits() int {
	a.mx.Lock()
	defer a.mx.Unlock()
	return len(a.circuits)
}

// Sweep expires lapsed reservations and forcibly closes circuits past
// their duration or byte budget. It is called periodically by the relay
// and lazily on every admission.
func (a *Admission) Sweep() {
	a.mx.Lock()
	now := a.clk.Now()
	a.expireLocked(now)
	expired := a.overBudgetLocked(now)
	a.mx.Unlock()

	// force-close outside the lock; the relaying goroutines release the
	// quota unit through Release, which is idempotent
	for _, c := range expired {
		c.forceClose()
	}
}

func (a *Admission) expireLocked(now time.Time) {
	for handle, rv := range a.reservations {
		if !rv.Expire.After(now) {
			a.releaseReservationLocked(handle)
		}
	}
}

func (a *Admission) overBudgetLocked(now time.Time) []*Circuit {
	if a.rc.Limit == nil {
		return nil
	}
	var out []*Circuit
	for _, c := range a.circuits {
		if now.Sub(c.OpenedAt) > a.rc.Limit.Duration || c.Bytes() > 2*a.rc.Limit.Data {
			out = append(out, c)
		}
	}
	return out
}

// Close rejects all further admissions and drops the active records.
func (a *Admission) Close() {
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.reservations = make(map[uint64]*Reservation)
	a.byPeer = make(map[peer.ID]uint64)
	a.circuits = make(map[uint64]*Circuit)
	a.ipcs = newIPConstraints(a.rc)
}
