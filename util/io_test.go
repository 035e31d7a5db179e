package util

import (
	"bytes"
	"testing"

	"github.com/libp2p/go-libp2p-relay/proto"
)

func TestDelimitedRoundtrip(t *testing.T) {
	var buf bytes.Buffer

	w := NewDelimitedWriter(&buf)
	for _, typ := range []proto.MessageType{proto.MsgReserve, proto.MsgConnect, proto.MsgStatus} {
		if err := w.WriteMsg(&proto.Message{Type: typ, Status: proto.StatusOK}); err != nil {
			t.Fatal(err)
		}
	}

	r := NewDelimitedReader(&buf, proto.MaxMessageSize)
	defer r.Close()

	for _, want := range []proto.MessageType{proto.MsgReserve, proto.MsgConnect, proto.MsgStatus} {
		var msg proto.Message
		if err := r.ReadMsg(&msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != want {
			t.Fatalf("expected message type %d, got %d", want, msg.Type)
		}
		if msg.Status != proto.StatusOK {
			t.Fatalf("unexpected status: %s", msg.Status)
		}
	}
}

func TestDelimitedReaderRejectsOversized(t *testing.T) {
	var buf bytes.Buffer

	w := NewDelimitedWriter(&buf)
	big := &proto.Message{
		Type:        proto.MsgStatus,
		Reservation: &proto.ReservationInfo{Voucher: make([]byte, 64)},
	}
	if err := w.WriteMsg(big); err != nil {
		t.Fatal(err)
	}

	r := NewDelimitedReader(&buf, 16)
	defer r.Close()

	var msg proto.Message
	if err := r.ReadMsg(&msg); err == nil {
		t.Fatal("expected an error reading a message beyond the size cap")
	}
}
