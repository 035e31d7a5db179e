package proto

import (
	"bytes"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/multiformats/go-varint"
)

const voucherDomain = "libp2p-relay-rsvp:"

// ReservationVoucher is the relay's signed promise to forward connect
// requests on behalf of Peer until Expiration.
type ReservationVoucher struct {
	// Relay is the peer providing relay service.
	Relay peer.ID
	// Peer is the peer receiving relay service through Relay.
	Peer peer.ID
	// Expiration is when the reservation lapses.
	Expiration time.Time
	// Signature is produced by the Relay peer over the other fields.
	Signature []byte
}

func (rv *ReservationVoucher) payload() []byte {
	buf := make([]byte, 0, 128)
	buf = appendBytes(buf, []byte(rv.Relay))
	buf = appendBytes(buf, []byte(rv.Peer))
	buf = appendUvarint(buf, uint64(rv.Expiration.Unix()))
	return buf
}

func (rv *ReservationVoucher) signedBlob() []byte {
	return append([]byte(voucherDomain), rv.payload()...)
}

func (rv *ReservationVoucher) Sign(privk crypto.PrivKey) error {
	if rv.Signature != nil {
		return nil
	}
	sig, err := privk.Sign(rv.signedBlob())
	if err != nil {
		return err
	}
	rv.Signature = sig
	return nil
}

func (rv *ReservationVoucher) Verify(pubk crypto.PubKey) error {
	if rv.Signature == nil {
		return fmt.Errorf("missing signature")
	}
	ok, err := pubk.Verify(rv.signedBlob(), rv.Signature)
	if err != nil {
		return fmt.Errorf("signature verification error: %w", err)
	}
	if !ok {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

func (rv *ReservationVoucher) Marshal() ([]byte, error) {
	if rv.Signature == nil {
		return nil, fmt.Errorf("cannot marshal unsigned reservation voucher")
	}
	return append(rv.payload(), rv.Signature...), nil
}

func (rv *ReservationVoucher) Unmarshal(blob []byte) error {
	rd := bytes.NewReader(blob)

	readID := func() (peer.ID, error) {
		b, err := readBytes(rd)
		if err != nil {
			return "", err
		}
		return peer.IDFromBytes(b)
	}

	var err error
	rv.Relay, err = readID()
	if err != nil {
		return fmt.Errorf("error reading relay ID: %w", err)
	}
	rv.Peer, err = readID()
	if err != nil {
		return fmt.Errorf("error reading peer ID: %w", err)
	}

	expire, err := varint.ReadUvarint(rd)
	if err != nil {
		return fmt.Errorf("error reading expiration: %w", err)
	}
	rv.Expiration = time.Unix(int64(expire), 0)

	if rd.Len() == 0 {
		return fmt.Errorf("missing signature")
	}
	sig := make([]byte, rd.Len())
	if _, err := rd.Read(sig); err != nil {
		return fmt.Errorf("error reading signature: %w", err)
	}
	rv.Signature = sig

	return nil
}
