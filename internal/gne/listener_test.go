package gne

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/gnet-engine/internal/conn"
	"github.com/kstaniek/gnet-engine/internal/event"
	"github.com/kstaniek/gnet-engine/internal/netio"
)

type nullListener struct{}

func (nullListener) OnConnect(c event.Conn)  {}
func (nullListener) OnNewConn(c event.Conn)  {}
func (nullListener) OnReceive()              {}
func (nullListener) OnError(err error)       {}
func (nullListener) OnFailure(err error)     {}
func (nullListener) OnExit()                 {}
func (nullListener) OnTimeout()              {}
func (nullListener) OnDisconnect()           {}
func (nullListener) OnDoneWriting()          {}

type recordingFactory struct {
	mu       sync.Mutex
	success  []*conn.Connection
	failures []error
}

func (f *recordingFactory) NewConnectionParams() conn.Params {
	return conn.Params{Listener: nullListener{}}
}

func (f *recordingFactory) OnListenSuccess(c *conn.Connection) {
	f.mu.Lock()
	f.success = append(f.success, c)
	f.mu.Unlock()
}

func (f *recordingFactory) OnListenFailure(err error, from netio.Address) {
	f.mu.Lock()
	f.failures = append(f.failures, err)
	f.mu.Unlock()
}

func (f *recordingFactory) snapshot() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.success), len(f.failures)
}

func TestListenerAcceptsAndHandshakes(t *testing.T) {
	identity := conn.Identity{Version: conn.Version{Major: 1, Minor: 0}, GameName: "pong"}
	factory := &recordingFactory{}
	l := New(factory, WithListenAddr("127.0.0.1:0"), WithIdentity(identity))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- l.Serve(ctx) }()

	select {
	case <-l.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("listener never became ready")
	}

	clientConn, err := conn.DialClient(l.Addr(), identity, conn.Params{Listener: nullListener{}}, 2*time.Second, nil)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	defer clientConn.Disconnect()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ok, _ := factory.snapshot(); ok > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	ok, fail := factory.snapshot()
	if ok != 1 {
		t.Fatalf("OnListenSuccess called %d times, want 1 (failures=%d)", ok, fail)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := l.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	cancel()
	<-serveErrCh
}

func TestListenerReportsHandshakeFailureOnWrongGame(t *testing.T) {
	identity := conn.Identity{Version: conn.Version{Major: 1, Minor: 0}, GameName: "pong"}
	factory := &recordingFactory{}
	l := New(factory, WithListenAddr("127.0.0.1:0"), WithIdentity(identity))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Serve(ctx) }()

	select {
	case <-l.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("listener never became ready")
	}

	other := conn.Identity{Version: conn.Version{Major: 1, Minor: 0}, GameName: "chess"}
	_, err := conn.DialClient(l.Addr(), other, conn.Params{Listener: nullListener{}}, 2*time.Second, nil)
	if err == nil {
		t.Fatal("expected DialClient to fail on game name mismatch")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, fail := factory.snapshot(); fail > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	ok, fail := factory.snapshot()
	if fail != 1 || ok != 0 {
		t.Fatalf("got success=%d failure=%d, want success=0 failure=1", ok, fail)
	}
}
