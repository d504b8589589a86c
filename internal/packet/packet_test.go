package packet

import (
	"errors"
	"testing"

	"github.com/kstaniek/gnet-engine/internal/gnerr"
	"github.com/kstaniek/gnet-engine/internal/wire"
)

func TestDuplicateRegistrationPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	Register(TypeExit, func() Packet { return &Exit{} })
}

func TestCloneProducesIdenticalBytes(t *testing.T) {
	orig := &Custom{Payload: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	clone := orig.Clone()

	rp1 := wire.NewRawPacket()
	if err := WriteNext(rp1, orig); err != nil {
		t.Fatal(err)
	}
	rp2 := wire.NewRawPacket()
	if err := WriteNext(rp2, clone); err != nil {
		t.Fatal(err)
	}
	if string(rp1.Data()) != string(rp2.Data()) {
		t.Fatalf("clone serialized differently: %v vs %v", rp1.Data(), rp2.Data())
	}
}

func TestParseNextRoundTripsCustomPayload(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	rp := wire.NewRawPacket()
	if err := WriteNext(rp, &Custom{Payload: payload}); err != nil {
		t.Fatal(err)
	}
	rp.Rewind()
	got, err := ParseNext(rp)
	if err != nil {
		t.Fatal(err)
	}
	c, ok := got.(*Custom)
	if !ok {
		t.Fatalf("expected *Custom, got %T", got)
	}
	if string(c.Payload) != string(payload) {
		t.Fatalf("payload mismatch: got %v want %v", c.Payload, payload)
	}
}

func TestParseNextUnknownType(t *testing.T) {
	rp := wire.NewRawPacket()
	_ = rp.WriteU8(250)
	rp.Rewind()
	_, err := ParseNext(rp)
	var ge *gnerr.Error
	if !errors.As(err, &ge) || ge.Kind != gnerr.UnknownPacket {
		t.Fatalf("expected UnknownPacket, got %v", err)
	}
}

func TestRateAdjustRoundTrip(t *testing.T) {
	rp := wire.NewRawPacket()
	if err := WriteNext(rp, &RateAdjust{NewRate: 12345}); err != nil {
		t.Fatal(err)
	}
	rp.Rewind()
	got, err := ParseNext(rp)
	if err != nil {
		t.Fatal(err)
	}
	ra, ok := got.(*RateAdjust)
	if !ok || ra.NewRate != 12345 {
		t.Fatalf("unexpected round trip: %#v", got)
	}
}

func TestWriteNextSetsAndRoundTripsTimestamp(t *testing.T) {
	p := &Ping{Sequence: 1}
	p.SetTimestamp(1234)

	rp := wire.NewRawPacket()
	if err := WriteNext(rp, p); err != nil {
		t.Fatal(err)
	}
	rp.Rewind()
	got, err := ParseNext(rp)
	if err != nil {
		t.Fatal(err)
	}
	tp, ok := got.(Timestamped)
	if !ok {
		t.Fatalf("%T does not implement Timestamped", got)
	}
	if tp.Timestamp() != 1234 {
		t.Fatalf("timestamp = %d, want 1234", tp.Timestamp())
	}
}

func TestWriteNextAssignsTimestampWhenUnset(t *testing.T) {
	p := &Ping{Sequence: 1}
	rp := wire.NewRawPacket()
	if err := WriteNext(rp, p); err != nil {
		t.Fatal(err)
	}
	if p.Timestamp() == 0 {
		t.Fatal("expected WriteNext to assign a nonzero timestamp when unset")
	}
}

func TestPingRoundTrip(t *testing.T) {
	rp := wire.NewRawPacket()
	if err := WriteNext(rp, &Ping{Sequence: 7, IsReply: true}); err != nil {
		t.Fatal(err)
	}
	rp.Rewind()
	got, err := ParseNext(rp)
	if err != nil {
		t.Fatal(err)
	}
	p, ok := got.(*Ping)
	if !ok || p.Sequence != 7 || !p.IsReply {
		t.Fatalf("unexpected round trip: %#v", got)
	}
}
