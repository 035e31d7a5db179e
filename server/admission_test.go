package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

func testResources() Resources {
	rc := DefaultResources()
	rc.MaxReservations = 4
	rc.MaxCircuits = 2
	return rc
}

func TestAdmissionReservationQuota(t *testing.T) {
	rc := testResources()
	a := NewAdmission(rc, clock.NewMock())

	for i := 0; i < rc.MaxReservations; i++ {
		_, err := a.Reserve(peer.ID(fmt.Sprintf("peer-%d", i)), nil)
		require.NoError(t, err)
	}
	require.Equal(t, rc.MaxReservations, a.ActiveReservations())

	_, err := a.Reserve(peer.ID("one-too-many"), nil)
	require.ErrorIs(t, err, ErrTooManyReservations)

	// releasing one slot admits exactly one more
	require.True(t, a.ReleasePeerReservation(peer.ID("peer-0")))
	_, err = a.Reserve(peer.ID("one-too-many"), nil)
	require.NoError(t, err)
	_, err = a.Reserve(peer.ID("two-too-many"), nil)
	require.ErrorIs(t, err, ErrTooManyReservations)
}

func TestAdmissionRenewalKeepsOneSlot(t *testing.T) {
	a := NewAdmission(testResources(), clock.NewMock())

	rv1, err := a.Reserve(peer.ID("alice"), nil)
	require.NoError(t, err)

	rv2, err := a.Reserve(peer.ID("alice"), nil)
	require.NoError(t, err)
	require.NotEqual(t, rv1.Handle(), rv2.Handle())
	require.Equal(t, 1, a.ActiveReservations())
}

func TestAdmissionReleaseIdempotent(t *testing.T) {
	a := NewAdmission(testResources(), clock.NewMock())

	rv, err := a.Reserve(peer.ID("alice"), nil)
	require.NoError(t, err)

	a.Release(rv.Handle())
	require.Equal(t, 0, a.ActiveReservations())
	a.Release(rv.Handle())
	require.Equal(t, 0, a.ActiveReservations())

	require.False(t, a.ReleasePeerReservation(peer.ID("alice")))
}

func TestAdmissionReservationExpiry(t *testing.T) {
	clk := clock.NewMock()
	rc := testResources()
	rc.ReservationTTL = time.Hour
	a := NewAdmission(rc, clk)

	_, err := a.Reserve(peer.ID("alice"), nil)
	require.NoError(t, err)
	require.True(t, a.HasReservation(peer.ID("alice")))

	clk.Add(30 * time.Minute)
	require.True(t, a.HasReservation(peer.ID("alice")))

	clk.Add(31 * time.Minute)
	require.False(t, a.HasReservation(peer.ID("alice")))

	a.Sweep()
	require.Equal(t, 0, a.ActiveReservations())
}

func TestAdmissionCircuitQuota(t *testing.T) {
	rc := testResources()
	a := NewAdmission(rc, clock.NewMock())

	c1, err := a.OpenCircuit(peer.ID("alice"), peer.ID("bob"))
	require.NoError(t, err)
	_, err = a.OpenCircuit(peer.ID("alice"), peer.ID("carol"))
	require.NoError(t, err)

	_, err = a.OpenCircuit(peer.ID("dave"), peer.ID("bob"))
	require.ErrorIs(t, err, ErrTooManyCircuits)

	a.Release(c1.Handle())
	_, err = a.OpenCircuit(peer.ID("dave"), peer.ID("bob"))
	require.NoError(t, err)
}

func TestAdmissionSweepClosesOverBudgetCircuits(t *testing.T) {
	clk := clock.NewMock()
	rc := testResources()
	rc.Limit.Duration = time.Minute
	a := NewAdmission(rc, clk)

	c, err := a.OpenCircuit(peer.ID("alice"), peer.ID("bob"))
	require.NoError(t, err)

	closed := false
	c.SetCloser(func() {
		closed = true
		a.Release(c.Handle())
	})

	a.Sweep()
	require.False(t, closed)

	clk.Add(2 * time.Minute)
	a.Sweep()
	require.True(t, closed)
	require.Equal(t, 0, a.ActiveCircuits())
}

func TestAdmissionPerIPConstraint(t *testing.T) {
	rc := testResources()
	rc.MaxReservationsPerIP = 1
	a := NewAdmission(rc, clock.NewMock())

	addr := ma.StringCast("/ip4/192.0.2.1/tcp/4001")

	_, err := a.Reserve(peer.ID("alice"), addr)
	require.NoError(t, err)

	_, err = a.Reserve(peer.ID("bob"), addr)
	require.ErrorIs(t, err, ErrTooManyPeersInIP)

	// another origin is unaffected
	_, err = a.Reserve(peer.ID("bob"), ma.StringCast("/ip4/192.0.2.2/tcp/4001"))
	require.NoError(t, err)
}

func TestAdmissionClosed(t *testing.T) {
	a := NewAdmission(testResources(), clock.NewMock())
	a.Close()

	_, err := a.Reserve(peer.ID("alice"), nil)
	require.ErrorIs(t, err, ErrAdmissionClosed)
	_, err = a.OpenCircuit(peer.ID("alice"), peer.ID("bob"))
	require.ErrorIs(t, err, ErrAdmissionClosed)
}
