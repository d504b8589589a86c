package netio

import (
	"sync"
	"time"
	"weak"
)

// Readable is called by the multiplexer when a registered socket becomes
// read-ready; implementations (the packet stream's inbound side, see
// internal/stream) read a buffer's worth of bytes and post onReceive to
// their connection's event thread.
type Readable interface {
	OnReadable()
}

// poller is the abstract poll_read_group primitive spec.md §4.7 and §6
// keep external to the engine. Two implementations exist: poller_linux.go
// (real epoll) and poller_other.go (a portable, goroutine-per-socket
// fallback), mirroring the teacher's backend_socketcan.go /
// backend_socketcan_stub.go split.
type poller interface {
	add(fd int) error
	remove(fd int) error
	// wait blocks up to timeout for at least one registered fd to become
	// readable, returning the ready fds. A zero/negative timeout waits
	// indefinitely.
	wait(timeout time.Duration) ([]int, error)
	close() error
}

type entry struct {
	sock    ReliableSocket
	fd      int
	upgrade func() (Readable, bool)
}

// Group is the readiness multiplexer of spec.md §4.7: a single background
// goroutine serving all registered connections, polling their reliable
// sockets for read readiness and fanning out OnReadable calls. It holds
// only a weak reference to each registered listener so a connection whose
// owner forgot to Unregister does not get kept alive by the multiplexer
// (spec.md: "Missing listeners (weak upgrade failed) auto-remove").
type Group struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[int]*entry
	p       poller
	closing bool
	closed  chan struct{}
}

// NewGroup constructs a Group and starts its background dispatch goroutine.
func NewGroup() (*Group, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	g := &Group{entries: map[int]*entry{}, p: p, closed: make(chan struct{})}
	g.cond = sync.NewCond(&g.mu)
	go g.loop()
	return g, nil
}

// fder is satisfied by sockets that can expose a raw OS file descriptor,
// the only thing the poller needs.
type fder interface {
	fd() (int, error)
}

// RegisterWeak registers sock with the group, associating it with obj — a
// pointer to the concrete listener type — without the group holding a
// strong reference to obj itself.
func RegisterWeak[T any, PT interface {
	*T
	Readable
}](g *Group, sock ReliableSocket, obj *T) error {
	fd, err := fdOf(sock)
	if err != nil {
		return err
	}
	wp := weak.Make(obj)
	e := &entry{
		sock: sock,
		fd:   fd,
		upgrade: func() (Readable, bool) {
			p := wp.Value()
			if p == nil {
				return nil, false
			}
			return PT(p), true
		},
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	wasEmpty := len(g.entries) == 0
	g.entries[fd] = e
	if err := g.p.add(fd); err != nil {
		delete(g.entries, fd)
		return err
	}
	if wasEmpty {
		g.cond.Broadcast()
	}
	return nil
}

// Unregister removes sock from the group. It is safe to call more than
// once or with a socket that was never registered.
func (g *Group) Unregister(sock ReliableSocket) {
	fd, err := fdOf(sock)
	if err != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[fd]; !ok {
		return
	}
	delete(g.entries, fd)
	_ = g.p.remove(fd)
}

// Close shuts down the background goroutine and the underlying poller.
func (g *Group) Close() {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		return
	}
	g.closing = true
	g.cond.Broadcast()
	g.mu.Unlock()
	<-g.closed
}

func (g *Group) loop() {
	defer close(g.closed)
	defer g.p.close()
	for {
		g.mu.Lock()
		for len(g.entries) == 0 && !g.closing {
			g.cond.Wait()
		}
		closing := g.closing
		g.mu.Unlock()
		if closing {
			return
		}

		ready, err := g.p.wait(200 * time.Millisecond)
		if err != nil {
			continue
		}
		for _, fd := range ready {
			g.mu.Lock()
			e, ok := g.entries[fd]
			g.mu.Unlock()
			if !ok {
				continue
			}
			listener, ok := e.upgrade()
			if !ok {
				// weak upgrade failed: owner is gone, auto-remove.
				g.Unregister(e.sock)
				continue
			}
			listener.OnReadable()
		}
	}
}

func fdOf(sock ReliableSocket) (int, error) {
	if f, ok := sock.(fder); ok {
		return f.fd()
	}
	var fd int
	rc, err := sock.SyscallConn()
	if err != nil {
		return 0, err
	}
	if err := rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return 0, err
	}
	return fd, nil
}
