package gnerr

import (
	"errors"
	"net"
	"strings"
	"testing"
)

func TestErrorStringIncludesKindAndCauses(t *testing.T) {
	base := errors.New("boom")
	e := Wrap(Read, base).WithMessage("short write")
	s := e.Error()
	if s == "" {
		t.Fatalf("expected non-empty message")
	}
	for _, want := range []string{"Read", "short write", "boom"} {
		if !strings.Contains(s, want) {
			t.Fatalf("Error() = %q, want it to contain %q", s, want)
		}
	}
	if !errors.Is(e, base) {
		t.Fatalf("expected Unwrap to expose the underlying cause")
	}
}

func TestWrapClassifiesNetError(t *testing.T) {
	var ne net.Error = &net.OpError{Op: "read", Err: errors.New("timeout")}
	e := Wrap(ConnectionTimeOut, ne)
	if e.Net == nil || e.Sys != nil {
		t.Fatalf("expected net.Error to be classified as Net, got Sys=%v Net=%v", e.Sys, e.Net)
	}
}

func TestIsComparesByKindOnly(t *testing.T) {
	a := New(UnknownPacket)
	b := Wrap(UnknownPacket, errors.New("x"))
	if !errors.Is(a, New(UnknownPacket)) {
		t.Fatalf("expected Is match on same kind")
	}
	if errors.Is(b, New(PacketTooBig)) {
		t.Fatalf("expected no match across different kinds")
	}
}

func TestRecoverableAndFatalPartitionMatchPolicy(t *testing.T) {
	for _, k := range []Kind{UnknownPacket, PacketTypeMismatch, PacketTooBig} {
		if !k.Recoverable() {
			t.Errorf("%v should be recoverable", k)
		}
		if k.Fatal() {
			t.Errorf("%v should not be fatal", k)
		}
	}
	for _, k := range []Kind{Read, Write, ConnectionDropped, ProtocolViolation} {
		if !k.Fatal() {
			t.Errorf("%v should be fatal", k)
		}
	}
}
