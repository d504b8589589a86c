package conn

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kstaniek/gnet-engine/internal/event"
	"github.com/kstaniek/gnet-engine/internal/gnerr"
	"github.com/kstaniek/gnet-engine/internal/netio"
	"github.com/kstaniek/gnet-engine/internal/packet"
	"github.com/kstaniek/gnet-engine/internal/stream"
)

// State is a Connection's position in spec.md §4.5's state machine.
type State int

const (
	StateFresh State = iota
	StateOpened
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "Fresh"
	case StateOpened:
		return "Opened"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateFailed:
		return "Failed"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Params is the per-connection configuration a user factory supplies
// during handshake (spec.md §3's ConnectionParams).
type Params struct {
	OutRate            int // bytes/sec, 0 = unlimited
	InRate              int // bytes/sec advertised to the peer
	Listener            event.Listener
	Feeder              stream.Feeder
	FeederTimeout       time.Duration
	LowPacketThreshold  int
	Unreliable          bool
	Timeout             time.Duration // receive-inactivity timeout, 0 = disabled
}

// DrainDeadline bounds how long disconnectSendAll waits for the outbound
// queue to empty before closing anyway.
const DrainDeadline = 2 * time.Second

// Connection is a single peer connection: a SocketPair, a PacketStream, an
// EventThread, and the negotiated handshake results.
type Connection struct {
	id         uuid.UUID
	mu         sync.Mutex
	state      State
	sockets    netio.SocketPair
	stream     *stream.Stream
	events     *event.Thread
	remote     netio.Address
	effOutRate int
	unrelPort  int32 // -1 = none
	group      *netio.Group

	disconnectOnce sync.Once
}

// ID returns this connection's random (version 4) UUID correlation
// identifier, a
// supplemented feature (SPEC_FULL.md §4) absent from the distilled spec,
// used to correlate log lines and metrics across the handshake and
// steady-state phases of one connection's lifetime.
func (c *Connection) ID() uuid.UUID { return c.id }

// RemoteAddr satisfies event.Conn.
func (c *Connection) RemoteAddr() netio.Address { return c.remote }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// EffectiveOutRate returns the negotiated outbound byte/sec cap:
// min(local_requested_out, peer_advertised_max_in), per spec.md §4.5.
func (c *Connection) EffectiveOutRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effOutRate
}

// UnreliablePort returns the local port of this side's negotiated
// unreliable socket, or -1 if none was negotiated.
func (c *Connection) UnreliablePort() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unrelPort
}

// Send enqueues p for delivery; reliable selects the reliable vs.
// unreliable socket (spec.md §4.3).
func (c *Connection) Send(p packet.Packet, reliable bool) error {
	return c.stream.Enqueue(p, reliable)
}

// Stats returns the underlying packet stream's statistics snapshot.
func (c *Connection) Stats() stream.Stats { return c.stream.Stats() }

func effectiveRate(localRequested int, peerAdvertised uint32) int {
	if localRequested == 0 {
		return int(peerAdvertised)
	}
	if peerAdvertised == 0 {
		return localRequested
	}
	if uint32(localRequested) < peerAdvertised {
		return localRequested
	}
	return int(peerAdvertised)
}

// startSteadyState wires the negotiated sockets into a Stream and an
// EventThread, registers the reliable socket with the readiness
// multiplexer, and transitions to Connected. Shared by both handshake
// directions.
func (c *Connection) startSteadyState(params Params, reliable *netio.TCPSocket, unrel netio.UnreliableSocket, effOut int, group *netio.Group) error {
	c.sockets = netio.SocketPair{Reliable: reliable, Unreliable: unrel}
	c.remote = reliable.RemoteAddr()
	c.effOutRate = effOut
	c.group = group

	et := event.New(params.Listener, params.Timeout, event.Hooks{
		RequestDisconnect: c.onDisconnectRequested,
	})
	c.events = et

	c.stream = stream.New(reliable, unrel, stream.Config{
		OutRate:            effOut,
		InRate:              params.InRate,
		LowPacketThreshold:  params.LowPacketThreshold,
		FeederTimeout:       params.FeederTimeout,
	}, params.Feeder, stream.Hooks{
		OnError:       c.onStreamError,
		OnFatal:       c.onStreamFatal,
		OnDoneWriting: et.PostDoneWriting,
		OnReceive:     c.onStreamReceive,
		OnExit:        et.PostExit,
	})

	c.setState(StateConnected)

	if group != nil {
		if err := netio.RegisterWeak[stream.Stream](group, reliable, c.stream); err != nil {
			return gnerr.Wrap(gnerr.CouldNotOpenSocket, err)
		}
	}
	return nil
}

func (c *Connection) onStreamReceive() {
	c.events.PostReceive()
}

func (c *Connection) onStreamError(err error) {
	c.events.PostError(err)
}

func (c *Connection) onStreamFatal(err error) {
	c.events.PostFailure(err)
}

// onDisconnectRequested is invoked by the EventThread after delivering
// onFailure or onExit (spec.md §4.6 step 4's "call disconnect() on the
// connection").
func (c *Connection) onDisconnectRequested() {
	c.disconnectOnce.Do(func() {
		c.setState(StateDisconnecting)
		if c.group != nil {
			c.group.Unregister(c.sockets.Reliable)
		}
		c.stream.Abort()
		c.sockets.Disconnect()
		c.setState(StateDisconnected)
		c.events.PostDisconnect()
	})
}

// Disconnect closes the connection abruptly: any already-queued outbound
// application packets are discarded, but per spec.md §4.5 a type-0 Exit
// packet is still sent immediately so the peer sees onExit rather than
// onFailure(ConnectionDropped).
func (c *Connection) Disconnect() {
	c.stream.Discard()
	c.sendExitAndPostLocal()
}

// DisconnectSendAll sends any queued packets (feeder disabled first, so
// it cannot refill indefinitely) up to DrainDeadline, then sends the Exit
// packet and proceeds like Disconnect, per spec.md §4.5.
func (c *Connection) DisconnectSendAll() {
	c.stream.SetFeeder(nil)
	c.stream.Flush(time.Now().Add(DrainDeadline))
	c.sendExitAndPostLocal()
}

// sendExitAndPostLocal enqueues the mandatory type-0 Exit packet (spec.md
// §6's "must be the last packet on the reliable channel"), waits for it to
// drain, and posts the local onExit event: the caller initiated this
// disconnect, so it already knows it is graceful, unlike the receiving
// peer which learns that only from the Exit packet itself (spec.md §7).
func (c *Connection) sendExitAndPostLocal() {
	_ = c.stream.Enqueue(&packet.Exit{}, true)
	c.stream.Flush(time.Now().Add(DrainDeadline))
	c.events.PostExit()
}

// fail forces an abrupt failure transition by posting err as the
// connection's onFailure event. Nothing in this package calls it; stream
// I/O errors reach PostFailure through onStreamFatal instead.
func (c *Connection) fail(err error) {
	c.events.PostFailure(err)
}

func tcpDial(addr string, timeout time.Duration) (*netio.TCPSocket, error) {
	sock, err := netio.DialTCP("tcp", addr, timeout)
	if err != nil {
		return nil, gnerr.Wrap(gnerr.CouldNotOpenSocket, err)
	}
	return sock, nil
}

func newConnection() *Connection {
	return &Connection{id: uuid.New(), state: StateFresh}
}

func wrapHandshakeIOErr(err error) error {
	return gnerr.Wrap(gnerr.ConnectionTimeOut, err).WithMessage(fmt.Sprintf("handshake io: %v", err))
}
