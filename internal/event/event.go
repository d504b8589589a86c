// Package event implements the per-connection EventThread (spec.md §4.6,
// component F): a single consumer goroutine that serializes every listener
// callback, in priority order, behind one dispatch lock.
//
// Grounded on the teacher's internal/server/writer.go single-consumer
// select-loop shape (one goroutine owns delivery order for a connection),
// generalized here from "drain one channel" to "pick the highest-priority
// pending signal among several sticky flags and a FIFO".
package event

import (
	"sync"
	"time"

	"github.com/kstaniek/gnet-engine/internal/netio"
)

// Conn is the minimal connection view passed to OnConnect/OnNewConn.
// internal/conn.Connection satisfies this structurally.
type Conn interface {
	RemoteAddr() netio.Address
}

// Listener is the full user-supplied callback contract (spec.md §4.6).
// OnConnect and OnNewConn are delivered synchronously via SyncConnection
// during the handshake, never through the Thread's dispatch loop; every
// other method is delivered exclusively by Thread.
type Listener interface {
	OnConnect(c Conn)
	OnNewConn(c Conn)
	OnReceive()
	OnError(err error)
	OnFailure(err error)
	OnExit()
	OnTimeout()
	OnDisconnect()
	OnDoneWriting()
}

// SyncConnection synchronously delivers onConnect/onNewConn on the
// handshake goroutine, before the event thread exists, per spec.md §4.6.
type SyncConnection struct {
	mu       sync.Mutex
	conn     Conn
	released bool
}

// NewSyncConnection wraps conn for synchronous delivery during handshake.
func NewSyncConnection(conn Conn) *SyncConnection { return &SyncConnection{conn: conn} }

// DeliverConnect invokes the client-side onConnect callback synchronously.
func (s *SyncConnection) DeliverConnect(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	l.OnConnect(s.conn)
}

// DeliverNewConn invokes the server-side onNewConn callback synchronously.
func (s *SyncConnection) DeliverNewConn(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	l.OnNewConn(s.conn)
}

// Release marks the wrapper as spent; further Deliver* calls are no-ops.
// Called once the real Thread takes over delivery.
func (s *SyncConnection) Release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

// Hooks lets internal/conn observe EventThread lifecycle transitions
// without Thread needing to know about connection state machinery.
type Hooks struct {
	// RequestDisconnect is called once, synchronously, right after a
	// failure or onExit callback returns — spec.md §4.6 step 4's "call
	// disconnect() on the connection". The owner is expected to arrange
	// for PostDisconnect to eventually be called.
	RequestDisconnect func()
}

type action int

const (
	actionNone action = iota
	actionFailure
	actionExit
	actionDisconnect
	actionReceive
	actionTimeout
	actionError
	actionDoneWriting
)

// Thread is the per-connection EventThread.
type Thread struct {
	mu       sync.Mutex
	listener Listener
	hooks    Hooks

	failure    bool
	failureErr error
	exit       bool
	disconnect bool
	receive    bool
	timeoutF   bool
	doneWrite  bool
	errQueue   []error

	timeoutDur  time.Duration
	nextTimeout time.Time

	wake     chan struct{}
	done     chan struct{}
	shutdown bool
}

// New constructs a Thread and starts its dispatch goroutine. listener may
// be nil; no callback fires until SetListener supplies one (spec.md §4.6
// step 1's "while no listener set ... wait").
func New(listener Listener, timeout time.Duration, hooks Hooks) *Thread {
	t := &Thread{
		listener:   listener,
		hooks:      hooks,
		timeoutDur: timeout,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if timeout > 0 {
		t.nextTimeout = time.Now().Add(timeout)
	}
	go t.loop()
	return t
}

func (t *Thread) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// SetListener swaps the listener and returns without waiting for a callback
// already in flight: that callback, and any action the dispatch loop has
// already picked up, is delivered to the previous listener, possibly after
// SetListener returns. Actions picked up after the swap go to l.
func (t *Thread) SetListener(l Listener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
	t.signal()
}

// PostFailure raises the sticky failure signal, the highest priority event.
func (t *Thread) PostFailure(err error) {
	t.mu.Lock()
	if !t.failure {
		t.failure = true
		t.failureErr = err
	}
	t.mu.Unlock()
	t.signal()
}

// PostExit raises the sticky graceful-exit signal.
func (t *Thread) PostExit() {
	t.mu.Lock()
	t.exit = true
	t.mu.Unlock()
	t.signal()
}

// PostDisconnect raises the terminal onDisconnect signal. After it is
// dispatched, the Thread exits for good.
func (t *Thread) PostDisconnect() {
	t.mu.Lock()
	t.disconnect = true
	t.mu.Unlock()
	t.signal()
}

// PostReceive raises the sticky onReceive signal and resets the timeout
// deadline, since any received packet pushes the deadline out (spec.md
// §4.5's "each received packet resets an absolute deadline").
func (t *Thread) PostReceive() {
	t.mu.Lock()
	t.receive = true
	if t.timeoutDur > 0 {
		t.nextTimeout = time.Now().Add(t.timeoutDur)
	}
	t.mu.Unlock()
	t.signal()
}

// PostError enqueues a recoverable error for onError delivery.
func (t *Thread) PostError(err error) {
	t.mu.Lock()
	t.errQueue = append(t.errQueue, err)
	t.mu.Unlock()
	t.signal()
}

// PostDoneWriting raises the sticky onDoneWriting signal.
func (t *Thread) PostDoneWriting() {
	t.mu.Lock()
	t.doneWrite = true
	t.mu.Unlock()
	t.signal()
}

// Shutdown requests the loop stop the next time it has nothing it can
// dispatch: no listener is installed, or no action is pending. In steady state the loop instead terminates via
// PostDisconnect, which is the expected path; Shutdown exists for aborting
// a Thread that never completed its handshake.
func (t *Thread) Shutdown() {
	t.mu.Lock()
	t.shutdown = true
	t.mu.Unlock()
	t.signal()
}

// Done returns a channel closed once the dispatch loop has exited.
func (t *Thread) Done() <-chan struct{} { return t.done }

// next returns the highest-priority pending action without clearing it.
// Caller holds t.mu.
func (t *Thread) next() action {
	switch {
	case t.failure:
		return actionFailure
	case t.exit:
		return actionExit
	case t.disconnect:
		return actionDisconnect
	case t.receive:
		return actionReceive
	case t.timeoutF:
		return actionTimeout
	case len(t.errQueue) > 0:
		return actionError
	case t.doneWrite:
		return actionDoneWriting
	default:
		return actionNone
	}
}

// pop clears the flag/dequeues the entry for the given action, returning
// any payload (only actionFailure/actionError carry one). Caller holds
// t.mu.
func (t *Thread) pop(a action) error {
	switch a {
	case actionFailure:
		t.failure = false
		err := t.failureErr
		t.failureErr = nil
		return err
	case actionExit:
		t.exit = false
	case actionDisconnect:
		t.disconnect = false
	case actionReceive:
		t.receive = false
	case actionTimeout:
		t.timeoutF = false
	case actionError:
		err := t.errQueue[0]
		t.errQueue = t.errQueue[1:]
		return err
	case actionDoneWriting:
		t.doneWrite = false
	}
	return nil
}

func (t *Thread) loop() {
	defer close(t.done)
	for {
		t.mu.Lock()
		for {
			if t.timeoutDur > 0 && !t.nextTimeout.IsZero() && !time.Now().Before(t.nextTimeout) {
				t.timeoutF = true
				t.nextTimeout = time.Now().Add(t.timeoutDur)
			}
			a := t.next()
			if t.listener != nil && a != actionNone {
				break
			}
			if t.shutdown {
				t.mu.Unlock()
				return
			}
			wait := t.waitDurationLocked()
			t.mu.Unlock()
			if wait < 0 {
				<-t.wake
			} else {
				select {
				case <-t.wake:
				case <-time.After(wait):
				}
			}
			t.mu.Lock()
		}
		a := t.next()
		payload := t.pop(a)
		listener := t.listener
		t.mu.Unlock()

		terminal := t.dispatch(listener, a, payload)
		if terminal {
			return
		}
	}
}

// waitDurationLocked returns how long the loop may block before it must
// re-check the timeout deadline; -1 means wait indefinitely. Caller holds
// t.mu.
func (t *Thread) waitDurationLocked() time.Duration {
	if t.timeoutDur <= 0 || t.nextTimeout.IsZero() {
		return -1
	}
	d := time.Until(t.nextTimeout)
	if d < 0 {
		return 0
	}
	return d
}

// dispatch releases the event mutex for the duration of the callback, per
// spec.md §4.6 step 3. Returns true if this was the terminal onDisconnect
// event.
func (t *Thread) dispatch(l Listener, a action, payload error) bool {
	switch a {
	case actionFailure:
		l.OnFailure(payload)
		if t.hooks.RequestDisconnect != nil {
			t.hooks.RequestDisconnect()
		}
		return false
	case actionExit:
		l.OnExit()
		if t.hooks.RequestDisconnect != nil {
			t.hooks.RequestDisconnect()
		}
		return false
	case actionDisconnect:
		l.OnDisconnect()
		return true
	case actionReceive:
		l.OnReceive()
		return false
	case actionTimeout:
		l.OnTimeout()
		return false
	case actionError:
		l.OnError(payload)
		return false
	case actionDoneWriting:
		l.OnDoneWriting()
		return false
	default:
		return false
	}
}
