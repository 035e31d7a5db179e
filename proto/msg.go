package proto

import (
	"bytes"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-varint"
)

const maxAddrLen = 1024

type MessageType uint64

const (
	// MsgReserve asks a relay to reserve a slot for the sender.
	MsgReserve MessageType = 1
	// MsgConnect asks a relay to open a circuit to the embedded peer.
	MsgConnect MessageType = 2
	// MsgStop is sent by a relay to the destination of a circuit.
	MsgStop MessageType = 3
	// MsgStatus answers any of the above.
	MsgStatus MessageType = 4
)

// Limit communicates the per-circuit quotas a relay will enforce.
type Limit struct {
	// Duration is the maximum lifetime of the circuit.
	Duration time.Duration
	// Data is the number of bytes relayed in each direction before
	// the circuit is closed.
	Data int64
}

// ReservationInfo is the payload of a successful reservation response.
type ReservationInfo struct {
	Expire  time.Time
	Addrs   []ma.Multiaddr
	Voucher []byte
}

// Message is a hop or stop exchange message. The zero value of optional
// fields means "absent" on the wire.
type Message struct {
	Type        MessageType
	Status      Status
	Peer        *peer.AddrInfo
	Limit       *Limit
	Reservation *ReservationInfo
}

func appendUvarint(buf []byte, x uint64) []byte {
	return append(buf, varint.ToUvarint(x)...)
}

func appendBytes(buf, b []byte) []byte {
	buf = appendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func (m *Message) Marshal() ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = appendUvarint(buf, uint64(m.Type))
	buf = appendUvarint(buf, uint64(m.Status))

	if m.Peer != nil {
		buf = appendUvarint(buf, 1)
		buf = appendBytes(buf, []byte(m.Peer.ID))
		buf = appendUvarint(buf, uint64(len(m.Peer.Addrs)))
		for _, a := range m.Peer.Addrs {
			buf = appendBytes(buf, a.Bytes())
		}
	} else {
		buf = appendUvarint(buf, 0)
	}

	if m.Limit != nil {
		buf = appendUvarint(buf, 1)
		buf = appendUvarint(buf, uint64(m.Limit.Duration/time.Second))
		buf = appendUvarint(buf, uint64(m.Limit.Data))
	} else {
		buf = appendUvarint(buf, 0)
	}

	if m.Reservation != nil {
		buf = appendUvarint(buf, 1)
		buf = appendUvarint(buf, uint64(m.Reservation.Expire.Unix()))
		buf = appendUvarint(buf, uint64(len(m.Reservation.Addrs)))
		for _, a := range m.Reservation.Addrs {
			buf = appendBytes(buf, a.Bytes())
		}
		buf = appendBytes(buf, m.Reservation.Voucher)
	} else {
		buf = appendUvarint(buf, 0)
	}

	return buf, nil
}

func readBytes(rd *bytes.Reader) ([]byte, error) {
	l, err := varint.ReadUvarint(rd)
	if err != nil {
		return nil, err
	}
	if l > uint64(rd.Len()) {
		return nil, fmt.Errorf("field length %d exceeds remaining message bytes", l)
	}
	b := make([]byte, l)
	if _, err := rd.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func readAddrs(rd *bytes.Reader) ([]ma.Multiaddr, error) {
	n, err := varint.ReadUvarint(rd)
	if err != nil {
		return nil, err
	}
	if n > uint64(rd.Len()) {
		return nil, fmt.Errorf("address count %d exceeds remaining message bytes", n)
	}
	addrs := make([]ma.Multiaddr, 0, n)
	for i := uint64(0); i < n; i++ {
		b, err := readBytes(rd)
		if err != nil {
			return nil, err
		}
		if len(b) > maxAddrLen {
			return nil, fmt.Errorf("address too long: %d", len(b))
		}
		// skip unparseable addresses rather than dropping the message
		a, err := ma.NewMultiaddrBytes(b)
		if err == nil {
			addrs = append(addrs, a)
		}
	}
	return addrs, nil
}

func (m *Message) Unmarshal(blob []byte) error {
	rd := bytes.NewReader(blob)

	typ, err := varint.ReadUvarint(rd)
	if err != nil {
		return fmt.Errorf("error reading message type: %w", err)
	}
	m.Type = MessageType(typ)

	status, err := varint.ReadUvarint(rd)
	if err != nil {
		return fmt.Errorf("error reading status: %w", err)
	}
	m.Status = Status(status)

	hasPeer, err := varint.ReadUvarint(rd)
	if err != nil {
		return err
	}
	if hasPeer == 1 {
		idBytes, err := readBytes(rd)
		if err != nil {
			return fmt.Errorf("error reading peer ID: %w", err)
		}
		id, err := peer.IDFromBytes(idBytes)
		if err != nil {
			return fmt.Errorf("invalid peer ID: %w", err)
		}
		addrs, err := readAddrs(rd)
		if err != nil {
			return fmt.Errorf("error reading peer addresses: %w", err)
		}
		m.Peer = &peer.AddrInfo{ID: id, Addrs: addrs}
	}

	hasLimit, err := varint.ReadUvarint(rd)
	if err != nil {
		return err
	}
	if hasLimit == 1 {
		durs, err := varint.ReadUvarint(rd)
		if err != nil {
			return err
		}
		data, err := varint.ReadUvarint(rd)
		if err != nil {
			return err
		}
		m.Limit = &Limit{Duration: time.Duration(durs) * time.Second, Data: int64(data)}
	}

	hasRsvp, err := varint.ReadUvarint(rd)
	if err != nil {
		return err
	}
	if hasRsvp == 1 {
		expire, err := varint.ReadUvarint(rd)
		if err != nil {
			return err
		}
		addrs, err := readAddrs(rd)
		if err != nil {
			return fmt.Errorf("error reading relay addresses: %w", err)
		}
		voucher, err := readBytes(rd)
		if err != nil {
			return fmt.Errorf("error reading voucher: %w", err)
		}
		if len(voucher) == 0 {
			voucher = nil
		}
		m.Reservation = &ReservationInfo{
			Expire:  time.Unix(int64(expire), 0),
			Addrs:   addrs,
			Voucher: voucher,
		}
	}

	return nil
}
