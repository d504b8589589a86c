// Package gne implements the server listener (spec.md §4.8, component H):
// binds a reliable listening socket, and for each accepted connection runs
// the server-side handshake on a short-lived worker before handing off to
// steady state.
//
// Grounded on the teacher's internal/server/server.go: NewServer's
// functional-options constructor, Serve's accept loop, Ready()/Errors()
// channels, and Shutdown's drain-then-close sequencing are kept almost
// structurally identical, with CAN/hub-specific fields replaced by the
// handshake identity and connection factory this engine's spec needs.
package gne

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/gnet-engine/internal/conn"
	"github.com/kstaniek/gnet-engine/internal/gnerr"
	"github.com/kstaniek/gnet-engine/internal/logging"
	"github.com/kstaniek/gnet-engine/internal/metrics"
	"github.com/kstaniek/gnet-engine/internal/netio"
)

// Factory is the user-supplied hook set spec.md §4.8 calls
// get_new_connection_params/on_listen_success/on_listen_failure.
type Factory interface {
	// NewConnectionParams returns the rates, listener, feeder, and timeouts
	// to use for a freshly accepted connection. Called once per accept,
	// before the handshake runs.
	NewConnectionParams() conn.Params
	// OnListenSuccess is called once a connection reaches Connected.
	OnListenSuccess(c *conn.Connection)
	// OnListenFailure is called when the handshake fails; from is the
	// remote address of the socket that was accepted (best-effort; may be
	// the zero Address if the failure happened before one was read).
	OnListenFailure(err error, from netio.Address)
}

const (
	defaultHandshakeTimeout = 3 * time.Second
	defaultAcceptBackoff    = 200 * time.Millisecond
)

// Option configures a Listener.
type Option func(*Listener)

// WithListenAddr sets the reliable listen address ("host:port"; ":0" picks
// an ephemeral port).
func WithListenAddr(addr string) Option { return func(l *Listener) { l.addr = addr } }

// WithIdentity sets the protocol/game identity validated against every
// incoming CRP.
func WithIdentity(id conn.Identity) Option { return func(l *Listener) { l.identity = id } }

// WithUnreliable enables offering an unreliable side-channel to clients
// that request one, binding a fresh ephemeral UDP socket per connection.
func WithUnreliable(enabled bool) Option { return func(l *Listener) { l.unreliable = enabled } }

// WithHandshakeTimeout bounds how long a single handshake worker waits for
// its peer before failing.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.handshakeTimeout = d
		}
	}
}

// WithMaxConnections caps the number of simultaneously Connected
// connections; beyond it, newly accepted sockets are closed right after
// accept, before any handshake, and reported to Factory.OnListenFailure.
func WithMaxConnections(n int) Option {
	return func(l *Listener) {
		if n > 0 {
			l.maxConnections = n
		}
	}
}

// WithGroup supplies the readiness multiplexer every accepted connection's
// reliable socket registers with. A nil group (the default) disables
// multiplexer registration, which is only useful in tests.
func WithGroup(g *netio.Group) Option { return func(l *Listener) { l.group = g } }

// WithLogger overrides the package-wide logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Listener) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// Listener binds a reliable TCP listening socket and spawns a handshake
// worker per accepted connection (spec.md §4.8).
type Listener struct {
	mu               sync.RWMutex
	addr             string
	identity         conn.Identity
	unreliable       bool
	handshakeTimeout time.Duration
	maxConnections   int
	group            *netio.Group
	logger           *slog.Logger
	factory          Factory

	ln        net.Listener
	readyOnce sync.Once
	readyCh   chan struct{}
	errCh     chan error

	connsMu sync.Mutex
	conns   map[*conn.Connection]struct{}

	wg sync.WaitGroup
}

// New constructs a Listener. factory supplies per-connection params and
// receives the success/failure callbacks spec.md §4.8 mandates.
func New(factory Factory, opts ...Option) *Listener {
	l := &Listener{
		addr:             ":0",
		handshakeTimeout: defaultHandshakeTimeout,
		logger:           logging.L(),
		factory:          factory,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		conns:            make(map[*conn.Connection]struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Addr returns the configured (or, once Serve has bound, the actual)
// listen address.
func (l *Listener) Addr() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.addr
}

func (l *Listener) setAddr(a string) {
	l.mu.Lock()
	l.addr = a
	l.mu.Unlock()
}

// Ready is closed once the reliable socket is bound and accepting.
func (l *Listener) Ready() <-chan struct{} { return l.readyCh }

// Errors delivers fatal listener-level errors (bind/accept failures), not
// per-connection handshake failures (those go to Factory.OnListenFailure).
func (l *Listener) Errors() <-chan error { return l.errCh }

func (l *Listener) setError(err error) {
	select {
	case l.errCh <- err:
	default:
	}
}

// Serve binds the reliable listening socket and accepts connections until
// ctx is cancelled or a fatal listener error occurs.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Addr())
	if err != nil {
		wrapped := gnerr.Wrap(gnerr.CouldNotOpenSocket, err)
		metrics.IncError(wrapped.MetricLabel())
		l.setError(wrapped)
		return wrapped
	}
	l.setAddr(ln.Addr().String())
	l.ln = ln
	l.readyOnce.Do(func() { close(l.readyCh) })
	l.logger.Info("gne_listen", "addr", l.Addr())

	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		if err := l.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (l *Listener) acceptOnce(ctx context.Context, ln net.Listener) error {
	c, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			time.Sleep(defaultAcceptBackoff)
			return nil
		}
		wrapped := gnerr.Wrap(gnerr.CouldNotOpenSocket, err)
		metrics.IncError(wrapped.MetricLabel())
		l.setError(wrapped)
		return wrapped
	}
	metrics.IncAccepted()

	tcpConn, ok := c.(*net.TCPConn)
	if !ok {
		_ = c.Close()
		return nil
	}
	_ = tcpConn.SetNoDelay(true)
	sock := netio.WrapTCP(tcpConn)

	if l.atMaxConnections() {
		_ = sock.Close()
		l.factory.OnListenFailure(gnerr.New(gnerr.ConnectionRefused).WithMessage("max connections reached"), sock.RemoteAddr())
		return nil
	}

	l.wg.Add(1)
	go l.handshakeWorker(sock)
	return nil
}

func (l *Listener) atMaxConnections() bool {
	if l.maxConnections <= 0 {
		return false
	}
	l.connsMu.Lock()
	defer l.connsMu.Unlock()
	return len(l.conns) >= l.maxConnections
}

// handshakeWorker is the short-lived per-connection handshake task spec.md
// §4.8 step 2 describes.
func (l *Listener) handshakeWorker(sock *netio.TCPSocket) {
	defer l.wg.Done()
	from := sock.RemoteAddr()

	listenerIdentity := conn.Listener{Identity: l.identity, Unreliable: l.unreliable}
	c, err := conn.AcceptServer(sock, listenerIdentity, l.factory.NewConnectionParams, l.handshakeTimeout, l.group)
	if err != nil {
		metrics.IncFailed()
		var gerr *gnerr.Error
		if errors.As(err, &gerr) {
			metrics.IncError(gerr.MetricLabel())
		}
		logging.WithConnection(l.logger, "").Warn("gne_handshake_failed", "remote", from.String(), "error", err)
		l.factory.OnListenFailure(err, from)
		return
	}

	metrics.IncEstablished()
	l.connsMu.Lock()
	l.conns[c] = struct{}{}
	metrics.SetActive(len(l.conns))
	l.connsMu.Unlock()

	logging.WithConnection(l.logger, c.ID().String()).Info("gne_handshake_ok", "remote", from.String())
	l.factory.OnListenSuccess(c)
}

// Untrack removes a connection from the listener's bookkeeping once it has
// disconnected, keeping ConnectionsActive and MaxConnections accurate.
// Callers (typically a Factory.OnListenSuccess wiring an onDisconnect hook)
// invoke this once the connection's event thread reaches its terminal
// state.
func (l *Listener) Untrack(c *conn.Connection) {
	l.connsMu.Lock()
	delete(l.conns, c)
	metrics.SetActive(len(l.conns))
	l.connsMu.Unlock()
}

// Shutdown stops accepting new connections and disconnects every tracked
// connection, waiting up to ctx's deadline for in-flight handshake workers
// to finish.
func (l *Listener) Shutdown(ctx context.Context) error {
	if l.ln != nil {
		_ = l.ln.Close()
	}

	l.connsMu.Lock()
	for c := range l.conns {
		c.Disconnect()
	}
	l.connsMu.Unlock()

	done := make(chan struct{})
	go func() { l.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("gne: shutdown timeout: %w", ctx.Err())
	case <-done:
		l.logger.Info("gne_shutdown_summary", "accepted", metrics.Snap().Accepted, "established", metrics.Snap().Established, "failed", metrics.Snap().Failed)
		return nil
	}
}
