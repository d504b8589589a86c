package event

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/gnet-engine/internal/netio"
)

type fakeConn struct{}

func (fakeConn) RemoteAddr() netio.Address { return netio.InvalidAddress() }

type recordingListener struct {
	mu     sync.Mutex
	order  []string
	errs   []error
	failed error
}

func (r *recordingListener) record(name string) {
	r.mu.Lock()
	r.order = append(r.order, name)
	r.mu.Unlock()
}

func (r *recordingListener) OnConnect(c Conn)    { r.record("connect") }
func (r *recordingListener) OnNewConn(c Conn)    { r.record("newconn") }
func (r *recordingListener) OnReceive()          { r.record("receive") }
func (r *recordingListener) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.record("error")
}
func (r *recordingListener) OnFailure(err error) {
	r.mu.Lock()
	r.failed = err
	r.mu.Unlock()
	r.record("failure")
}
func (r *recordingListener) OnExit()       { r.record("exit") }
func (r *recordingListener) OnTimeout()    { r.record("timeout") }
func (r *recordingListener) OnDisconnect() { r.record("disconnect") }
func (r *recordingListener) OnDoneWriting() { r.record("donewriting") }

func (r *recordingListener) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func TestSyncConnectionDeliversBeforeThreadStarts(t *testing.T) {
	l := &recordingListener{}
	sc := NewSyncConnection(fakeConn{})
	sc.DeliverNewConn(l)
	sc.Release()
	sc.DeliverNewConn(l) // no-op after release

	got := l.snapshot()
	if len(got) != 1 || got[0] != "newconn" {
		t.Fatalf("got %v, want exactly one newconn delivery", got)
	}
}

func TestPriorityOrderFailureBeatsExitBeatsReceive(t *testing.T) {
	l := &recordingListener{}
	th := New(l, 0, Hooks{})
	defer th.Shutdown()

	th.PostReceive()
	th.PostExit()
	th.PostFailure(errors.New("boom"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(l.snapshot()) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := l.snapshot()
	if len(got) < 2 {
		t.Fatalf("expected at least failure+exit, got %v", got)
	}
	if got[0] != "failure" {
		t.Fatalf("first event = %q, want failure", got[0])
	}
	if got[1] != "exit" {
		t.Fatalf("second event = %q, want exit", got[1])
	}
}

func TestDisconnectIsTerminal(t *testing.T) {
	l := &recordingListener{}
	th := New(l, 0, Hooks{})

	th.PostReceive()
	th.PostDisconnect()

	select {
	case <-th.Done():
	case <-time.After(time.Second):
		t.Fatal("thread never terminated after onDisconnect")
	}

	got := l.snapshot()
	if got[len(got)-1] != "disconnect" {
		t.Fatalf("last event = %q, want disconnect", got[len(got)-1])
	}
}

func TestRequestDisconnectHookFiresAfterFailure(t *testing.T) {
	l := &recordingListener{}
	var hookCalls int
	var mu sync.Mutex
	th := New(l, 0, Hooks{RequestDisconnect: func() {
		mu.Lock()
		hookCalls++
		mu.Unlock()
	}})
	defer th.Shutdown()

	th.PostFailure(errors.New("dead"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := hookCalls
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if hookCalls != 1 {
		t.Fatalf("RequestDisconnect called %d times, want 1", hookCalls)
	}
}

func TestTimeoutFiresAfterDeadline(t *testing.T) {
	l := &recordingListener{}
	th := New(l, 30*time.Millisecond, Hooks{})
	defer th.Shutdown()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, e := range l.snapshot() {
			if e == "timeout" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("onTimeout never fired")
}

func TestNoDispatchWithoutListener(t *testing.T) {
	th := New(nil, 0, Hooks{})
	th.PostReceive()
	time.Sleep(50 * time.Millisecond)

	l := &recordingListener{}
	th.SetListener(l)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(l.snapshot()) > 0 {
			th.Shutdown()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected queued onReceive to dispatch once a listener was set")
}
