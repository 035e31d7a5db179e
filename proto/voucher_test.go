package proto

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
)

func TestReservationVoucher(t *testing.T) {
	relayPrivk, relayPubk, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	_, peerPubk, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	relayID, err := peer.IDFromPublicKey(relayPubk)
	if err != nil {
		t.Fatal(err)
	}
	peerID, err := peer.IDFromPublicKey(peerPubk)
	if err != nil {
		t.Fatal(err)
	}

	rv := &ReservationVoucher{
		Relay:      relayID,
		Peer:       peerID,
		Expiration: time.Now().Add(time.Hour).Truncate(time.Second),
	}

	if _, err := rv.Marshal(); err == nil {
		t.Fatal("marshalling an unsigned voucher should fail")
	}

	if err := rv.Sign(relayPrivk); err != nil {
		t.Fatal(err)
	}
	if err := rv.Verify(relayPubk); err != nil {
		t.Fatal(err)
	}

	blob, err := rv.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	out := &ReservationVoucher{}
	if err := out.Unmarshal(blob); err != nil {
		t.Fatal(err)
	}
	if out.Relay != relayID || out.Peer != peerID {
		t.Fatal("peer IDs did not survive the roundtrip")
	}
	if !out.Expiration.Equal(rv.Expiration) {
		t.Fatal("expiration did not survive the roundtrip")
	}
	if err := out.Verify(relayPubk); err != nil {
		t.Fatal(err)
	}

	// a verifier with the wrong key must reject
	if err := out.Verify(peerPubk); err == nil {
		t.Fatal("verification with the wrong key should fail")
	}
}

func TestReservationVoucherTampered(t *testing.T) {
	relayPrivk, relayPubk, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	relayID, err := peer.IDFromPublicKey(relayPubk)
	if err != nil {
		t.Fatal(err)
	}

	rv := &ReservationVoucher{
		Relay:      relayID,
		Peer:       relayID,
		Expiration: time.Now().Add(time.Hour),
	}
	if err := rv.Sign(relayPrivk); err != nil {
		t.Fatal(err)
	}

	rv.Expiration = rv.Expiration.Add(time.Hour)
	if err := rv.Verify(relayPubk); err == nil {
		t.Fatal("verification of tampered voucher should fail")
	}
}
