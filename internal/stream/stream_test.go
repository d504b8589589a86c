package stream

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/gnet-engine/internal/netio"
	"github.com/kstaniek/gnet-engine/internal/packet"
)

func loopback(t *testing.T) (*netio.TCPSocket, *netio.TCPSocket) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()
	client, err := netio.DialTCP("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-acceptCh
	return client, netio.WrapTCP(server.(*net.TCPConn))
}

func TestSendRecvRoundTrip(t *testing.T) {
	client, server := loopback(t)
	defer client.Close()
	defer server.Close()

	serverStream := New(server, nil, Config{FeederTimeout: 50 * time.Millisecond}, nil, Hooks{})
	defer serverStream.Close()

	clientStream := New(client, nil, Config{FeederTimeout: 50 * time.Millisecond}, nil, Hooks{})
	defer clientStream.Close()

	custom := &packet.Custom{Payload: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	if err := clientStream.Enqueue(custom, true); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		server.Conn().SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		serverStream.OnReadable()
		if p, ok := serverStream.Dequeue(); ok {
			got, ok := p.(*packet.Custom)
			if !ok {
				t.Fatalf("wrong packet type %T", p)
			}
			if string(got.Payload) != string(custom.Payload) {
				t.Fatalf("payload = % x, want % x", got.Payload, custom.Payload)
			}
			return
		}
	}
	t.Fatal("packet never arrived")
}

func TestFeederInvokedBelowThreshold(t *testing.T) {
	client, server := loopback(t)
	defer client.Close()
	defer server.Close()

	var calls int32
	feeder := FeederFunc(func(s *Stream) {
		atomic.AddInt32(&calls, 1)
	})

	s := New(client, nil, Config{LowPacketThreshold: 2, FeederTimeout: 10 * time.Millisecond}, feeder, Hooks{})
	defer s.Close()

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&calls) == 0 {
		t.Fatal("expected feeder to be invoked at least once while queue empty")
	}
}

func TestRateCapBoundsThroughput(t *testing.T) {
	client, server := loopback(t)
	defer client.Close()
	defer server.Close()

	s := New(client, nil, Config{OutRate: 1000, FeederTimeout: 50 * time.Millisecond}, nil, Hooks{})
	defer s.Close()

	payload := make([]byte, 200)
	for i := 0; i < 50; i++ {
		_ = s.Enqueue(&packet.Custom{Payload: payload}, true)
	}

	var mu sync.Mutex
	var total int64
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		deadline := time.Now().Add(1200 * time.Millisecond)
		for time.Now().Before(deadline) {
			server.Conn().SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, err := server.Read(buf)
			if n > 0 {
				mu.Lock()
				total += int64(n)
				mu.Unlock()
			}
			_ = err
		}
		close(done)
	}()
	<-done

	mu.Lock()
	got := total
	mu.Unlock()
	// ~1 second at 1000 B/s plus one bucket's burst; generous bound since
	// this is wall-clock timing in a test environment.
	if got > 3000 {
		t.Fatalf("sent %d bytes, expected roughly <= 3000 under a 1000 B/s cap", got)
	}
}

func TestEnqueueRejectsOversizedPacketUpFront(t *testing.T) {
	client, server := loopback(t)
	defer client.Close()
	defer server.Close()

	s := New(client, nil, Config{BufferCapacity: 16, FeederTimeout: 20 * time.Millisecond}, nil, Hooks{})
	defer s.Close()

	big := &packet.Custom{Payload: make([]byte, 64)}
	if err := s.Enqueue(big, true); err == nil {
		t.Fatal("expected Enqueue to reject an oversized packet up front")
	}
}

func TestOnReadableFiresOnExitAndSuppressesSubsequentFatal(t *testing.T) {
	client, server := loopback(t)
	defer client.Close()
	defer server.Close()

	var exits, fatals int32
	serverStream := New(server, nil, Config{FeederTimeout: 20 * time.Millisecond}, nil, Hooks{
		OnExit:  func() { atomic.AddInt32(&exits, 1) },
		OnFatal: func(error) { atomic.AddInt32(&fatals, 1) },
	})
	defer serverStream.Close()

	clientStream := New(client, nil, Config{FeederTimeout: 20 * time.Millisecond}, nil, Hooks{})
	defer clientStream.Close()

	if err := clientStream.Enqueue(&packet.Exit{}, true); err != nil {
		t.Fatalf("enqueue exit: %v", err)
	}
	client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&exits) == 0 {
		server.Conn().SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		serverStream.OnReadable()
	}
	if atomic.LoadInt32(&exits) != 1 {
		t.Fatalf("OnExit fired %d times, want 1", exits)
	}
	if _, ok := serverStream.Dequeue(); ok {
		t.Fatal("Exit packet must not reach Dequeue")
	}

	// The client closing its socket right behind the Exit packet must not
	// be reported as a fatal error.
	for i := 0; i < 3; i++ {
		server.Conn().SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		serverStream.OnReadable()
	}
	if atomic.LoadInt32(&fatals) != 0 {
		t.Fatalf("OnFatal fired %d times after Exit, want 0", fatals)
	}
}

func TestDoneWritingFiresOnceOnEmptyTransition(t *testing.T) {
	client, server := loopback(t)
	defer client.Close()
	defer server.Close()

	var fires int32
	s := New(client, nil, Config{FeederTimeout: 20 * time.Millisecond}, nil, Hooks{
		OnDoneWriting: func() { atomic.AddInt32(&fires, 1) },
	})
	defer s.Close()

	_ = s.Enqueue(&packet.Custom{Payload: []byte("hi")}, true)
	time.Sleep(150 * time.Millisecond)
	if atomic.LoadInt32(&fires) != 1 {
		t.Fatalf("OnDoneWriting fired %d times, want 1", fires)
	}
}
