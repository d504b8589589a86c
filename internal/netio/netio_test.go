package netio

import (
	"net"
	"testing"
	"time"
)

func TestParseAddressRoundTrip(t *testing.T) {
	a := ParseAddress("tcp", "127.0.0.1:9000")
	if a.Invalid() {
		t.Fatal("expected valid address")
	}
	if a.Host() != "127.0.0.1" || a.Port() != 9000 {
		t.Fatalf("got host=%q port=%d", a.Host(), a.Port())
	}
	if got, want := a.String(), "127.0.0.1:9000"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestParseAddressInvalid(t *testing.T) {
	a := ParseAddress("tcp", "not-a-hostport")
	if !a.Invalid() {
		t.Fatal("expected invalid address")
	}
	if a.String() != "<invalid>" {
		t.Fatalf("String() = %q", a.String())
	}
}

func loopbackPair(t *testing.T) (*TCPSocket, *TCPSocket) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- c
	}()

	client, err := DialTCP("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case c := <-acceptCh:
		return client, WrapTCP(c.(*net.TCPConn))
	case err := <-errCh:
		t.Fatalf("accept: %v", err)
	case <-time.After(time.Second):
		t.Fatal("accept timed out")
	}
	return nil, nil
}

func TestTCPSocketReadWrite(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	msg := []byte("hello")
	n, err := client.Write(msg)
	if err != nil || n != len(msg) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	buf := make([]byte, len(msg))
	if _, err := server.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q", buf)
	}
	if server.RemoteAddr().Invalid() {
		t.Fatal("expected valid remote addr")
	}
}

func TestGroupRegisterAndReadable(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	g, err := NewGroup()
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	defer g.Close()

	readable := &readableListener{fired: make(chan struct{}, 1)}

	if err := RegisterWeak[readableListener](g, server, readable); err != nil {
		t.Fatalf("RegisterWeak: %v", err)
	}

	if _, err := client.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-readable.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("OnReadable was never invoked")
	}
}

// readableListener is a minimal Readable used to exercise RegisterWeak's
// weak-pointer upgrade path.
type readableListener struct {
	fired chan struct{}
}

func (r *readableListener) OnReadable() {
	select {
	case r.fired <- struct{}{}:
	default:
	}
}

func TestGroupUnregisterIsIdempotent(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	g, err := NewGroup()
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	defer g.Close()

	g.Unregister(server)
	g.Unregister(server)
}
