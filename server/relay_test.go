package server_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"

	bhost "github.com/libp2p/go-libp2p-blankhost"
	swarmt "github.com/libp2p/go-libp2p/p2p/net/swarm/testing"

	"github.com/libp2p/go-libp2p-relay/client"
	"github.com/libp2p/go-libp2p-relay/proto"
	"github.com/libp2p/go-libp2p-relay/server"
)

func getNetHosts(t *testing.T, n int) []host.Host {
	var out []host.Host

	for i := 0; i < n; i++ {
		netw := swarmt.GenSwarm(t)
		h := bhost.NewBlankHost(netw)
		t.Cleanup(func() { h.Close() })
		out = append(out, h)
	}

	return out
}

func connect(t *testing.T, a, b host.Host) {
	pi := peer.AddrInfo{ID: a.ID(), Addrs: a.Addrs()}
	if err := b.Connect(context.Background(), pi); err != nil {
		t.Fatal(err)
	}
}

func addrInfo(h host.Host) peer.AddrInfo {
	return peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()}
}

func TestBasicRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hosts := getNetHosts(t, 3)
	connect(t, hosts[0], hosts[1])
	connect(t, hosts[1], hosts[2])

	r, err := server.New(hosts[1])
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	dst := client.New(hosts[2])
	dst.Start()
	defer dst.Close()

	rsvp, err := client.Reserve(ctx, hosts[2], addrInfo(hosts[1]))
	if err != nil {
		t.Fatal(err)
	}
	if !rsvp.Expiration.After(time.Now()) {
		t.Fatal("reservation expiration should lie in the future")
	}

	src := client.New(hosts[0])
	src.Start()
	defer src.Close()

	msg := []byte("relay works!")
	errCh := make(chan error, 1)
	go func() {
		conn, err := dst.Accept(ctx)
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()

		if _, err := conn.Write(msg); err != nil {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	conn, err := src.Connect(ctx, addrInfo(hosts[1]), peer.AddrInfo{ID: hosts[2].ID()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if conn.State() != proto.CircuitRelaying {
		t.Fatalf("unexpected circuit state: %s", conn.State())
	}
	if conn.RelayPeer() != hosts[1].ID() {
		t.Fatal("unexpected relay peer")
	}
	if conn.RemotePeer() != hosts[2].ID() {
		t.Fatal("unexpected remote peer")
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(msg) {
		t.Fatalf("message was incorrect: %q", data)
	}
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
}

func TestRelayRequiresReservation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hosts := getNetHosts(t, 3)
	connect(t, hosts[0], hosts[1])
	connect(t, hosts[1], hosts[2])

	r, err := server.New(hosts[1], server.WithRequireReservation())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	dst := client.New(hosts[2])
	dst.Start()
	defer dst.Close()

	src := client.New(hosts[0])
	src.Start()
	defer src.Close()

	_, err = src.Connect(ctx, addrInfo(hosts[1]), peer.AddrInfo{ID: hosts[2].ID()})
	var se *proto.StatusError
	if !errors.As(err, &se) || se.Status != proto.StatusNoReservation {
		t.Fatalf("expected NO_RESERVATION refusal, got %v", err)
	}

	if _, err := client.Reserve(ctx, hosts[2], addrInfo(hosts[1])); err != nil {
		t.Fatal(err)
	}

	go func() {
		conn, err := dst.Accept(ctx)
		if err == nil {
			conn.Close()
		}
	}()

	conn, err := src.Connect(ctx, addrInfo(hosts[1]), peer.AddrInfo{ID: hosts[2].ID()})
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
}

func TestRelayCircuitCapacity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hosts := getNetHosts(t, 3)
	connect(t, hosts[0], hosts[1])
	connect(t, hosts[1], hosts[2])

	rc := server.DefaultResources()
	rc.MaxCircuits = 0

	r, err := server.New(hosts[1], server.WithResources(rc))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	src := client.New(hosts[0])
	src.Start()
	defer src.Close()

	_, err = src.Connect(ctx, addrInfo(hosts[1]), peer.AddrInfo{ID: hosts[2].ID()})
	var se *proto.StatusError
	if !errors.As(err, &se) || se.Status != proto.StatusResourceLimitExceeded {
		t.Fatalf("expected RESOURCE_LIMIT_EXCEEDED refusal, got %v", err)
	}
}

func TestRelayACLDeniesReservation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hosts := getNetHosts(t, 2)
	connect(t, hosts[0], hosts[1])

	// empty allow-list: everyone is denied
	r, err := server.New(hosts[1], server.WithACL(server.NewPeerFilter()))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	_, err = client.Reserve(ctx, hosts[0], addrInfo(hosts[1]))
	var se *proto.StatusError
	if !errors.As(err, &se) || se.Status != proto.StatusPermissionDenied {
		t.Fatalf("expected PERMISSION_DENIED refusal, got %v", err)
	}
}

func TestRelayToDisconnectedPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hosts := getNetHosts(t, 3)
	connect(t, hosts[0], hosts[1])
	// hosts[2] never connects to the relay

	r, err := server.New(hosts[1])
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	src := client.New(hosts[0])
	src.Start()
	defer src.Close()

	_, err = src.Connect(ctx, addrInfo(hosts[1]), peer.AddrInfo{ID: hosts[2].ID()})
	var se *proto.StatusError
	if !errors.As(err, &se) || se.Status != proto.StatusConnectionFailed {
		t.Fatalf("expected CONNECTION_FAILED refusal, got %v", err)
	}
}

func TestRelayReservationReleasedOnDisconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hosts := getNetHosts(t, 2)
	connect(t, hosts[0], hosts[1])

	r, err := server.New(hosts[1])
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := client.Reserve(ctx, hosts[0], addrInfo(hosts[1])); err != nil {
		t.Fatal(err)
	}
	if r.Admission().ActiveReservations() != 1 {
		t.Fatal("expected one active reservation")
	}

	if err := hosts[0].Network().ClosePeer(hosts[1].ID()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.Admission().ActiveReservations() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("reservation was not released on disconnect")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
