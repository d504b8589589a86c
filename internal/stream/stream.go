// Package stream implements the per-connection rate-limited packet stream
// (spec.md §4.3, component C): outbound aggregation into link-sized frames
// under a token-bucket byte/sec cap, inbound frame assembly driven by the
// readiness multiplexer, and feeder-driven backpressure.
//
// Grounded on the teacher's internal/transport.AsyncTx (a single fan-in
// goroutine draining a producer queue into a blocking write), generalized
// here to two directions, FIFO packet aggregation instead of one-frame-per-
// send, and a golang.org/x/time/rate token bucket instead of unconditional
// best-effort sends.
package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kstaniek/gnet-engine/internal/gnerr"
	"github.com/kstaniek/gnet-engine/internal/netio"
	"github.com/kstaniek/gnet-engine/internal/packet"
	"github.com/kstaniek/gnet-engine/internal/wire"
)

// Feeder is invoked when the outbound queue runs low, letting the owner
// enqueue more packets just-in-time. Per spec.md §4.3, it is never called
// re-entrantly for the same stream but may run concurrently with listener
// (event-thread) callbacks; implementations must be thread-safe with
// respect to those callbacks.
type Feeder interface {
	OnLowPackets(s *Stream)
}

// FeederFunc adapts a plain function to Feeder.
type FeederFunc func(s *Stream)

func (f FeederFunc) OnLowPackets(s *Stream) { f(s) }

// Hooks lets the owning connection observe stream events without the
// stream needing to know about connection state or the event thread.
type Hooks struct {
	// OnError reports a recoverable per-packet condition (PacketTooBig,
	// UnknownPacket) that the event thread should surface as onError.
	OnError func(err error)
	// OnFatal reports an unrecoverable transport I/O error; the owner is
	// expected to transition the connection to Failed (spec.md §4.5).
	OnFatal func(err error)
	// OnDoneWriting fires once per empty-transition of the outbound queue.
	OnDoneWriting func()
	// OnReceive fires exactly once per multiplexer wakeup that yielded at
	// least a partial read, regardless of how many packets were parsed.
	OnReceive func()
	// OnExit fires when a type-0 Exit packet is parsed off the reliable
	// channel (spec.md §7's "onExit is emitted only on receipt of the
	// peer's ExitPacket"). The Exit packet itself is never handed to
	// Dequeue; the peer closing its sockets right behind it is expected,
	// not a failure.
	OnExit func()
}

// Config holds the per-stream tunables carried from ConnectionParams.
type Config struct {
	OutRate            int // bytes/sec, 0 = unlimited
	InRate              int // bytes/sec advertised to the peer
	LowPacketThreshold  int
	FeederTimeout       time.Duration
	BufferCapacity      int // max serialized frame size; 0 = wire.DefaultCapacity
}

type queuedPacket struct {
	pkt      packet.Packet
	reliable bool
}

// Stats is a point-in-time snapshot of stream counters, a feature
// supplemented from the original GNE's PacketStream statistics (see
// SPEC_FULL.md §4) and absent from the distilled spec.
type Stats struct {
	BytesOut, PacketsOut uint64
	BytesIn, PacketsIn   uint64
	OutQueueDepth        int
	InQueueDepth         int
	OutTokens            float64
	DoneWriting          bool
}

// Stream is the rate-limited, bidirectional packet pump owned by one
// connection. It is safe for concurrent use by the writer goroutine, the
// readiness multiplexer (via OnReadable), and a feeder running on another
// goroutine.
type Stream struct {
	mu       sync.Mutex
	outQueue []queuedPacket
	inQueue  []packet.Packet
	inbuf    []byte

	sock      netio.ReliableSocket
	unrelSock netio.UnreliableSocket

	feeder             Feeder
	feederTimeout      time.Duration
	lowPacketThreshold int
	bufCap             int

	outLimiter   *rate.Limiter
	outUnlimited bool

	hooks Hooks

	closing      atomic.Bool
	closed       atomic.Bool
	exitReceived atomic.Bool
	wake         chan struct{}
	stopped      chan struct{}
	doneOnce     bool

	statsMu sync.Mutex
	stats   Stats
}

// New constructs a Stream and starts its writer goroutine. sock is the
// reliable transport; unrelSock may be nil if no unreliable side-channel
// was negotiated.
func New(sock netio.ReliableSocket, unrelSock netio.UnreliableSocket, cfg Config, feeder Feeder, hooks Hooks) *Stream {
	bufCap := cfg.BufferCapacity
	if bufCap <= 0 {
		bufCap = wire.DefaultCapacity
	}
	s := &Stream{
		sock:               sock,
		unrelSock:          unrelSock,
		feeder:             feeder,
		feederTimeout:      cfg.FeederTimeout,
		lowPacketThreshold: cfg.LowPacketThreshold,
		bufCap:             bufCap,
		hooks:              hooks,
		wake:               make(chan struct{}, 1),
		stopped:            make(chan struct{}),
	}
	s.setOutRateLocked(cfg.OutRate)
	go s.writerLoop()
	return s
}

func (s *Stream) setOutRateLocked(bytesPerSec int) {
	if bytesPerSec <= 0 {
		s.outUnlimited = true
		s.outLimiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	s.outUnlimited = false
	// Burst equals one second's worth of bytes, per spec.md §6's "burst ≤ R
	// (one bucket's worth)".
	s.outLimiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
}

// SetRates updates the outbound byte/sec cap at runtime. Passing -1
// preserves the current value; 0 lifts the limit. Inbound rate is only
// renegotiated at the handshake layer (internal/conn) since a receiver
// cannot locally throttle bytes already in flight.
func (s *Stream) SetRates(out int) {
	if out == -1 {
		return
	}
	s.mu.Lock()
	s.setOutRateLocked(out)
	s.mu.Unlock()
}

// SetFeeder replaces the feeder. disconnectSendAll sets this to nil before
// draining so a feeder cannot refill the queue indefinitely (spec.md §4.5).
func (s *Stream) SetFeeder(f Feeder) {
	s.mu.Lock()
	s.feeder = f
	s.mu.Unlock()
}

// Enqueue appends a packet to the outbound FIFO. reliable selects the
// reliable vs. unreliable socket; unreliable packets bypass the token
// bucket entirely.
func (s *Stream) Enqueue(p packet.Packet, reliable bool) error {
	if reliable {
		if size := packet.HeaderSize + p.Size(); size > s.bufCap {
			return gnerr.New(gnerr.PacketTooBig).WithMessage("packet exceeds frame capacity")
		}
	}
	s.mu.Lock()
	s.outQueue = append(s.outQueue, queuedPacket{pkt: p, reliable: reliable})
	s.doneOnce = false
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// OutQueueDepth returns the current outbound FIFO depth, used by callers
// (feeders) to decide whether to keep producing.
func (s *Stream) OutQueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outQueue)
}

// Dequeue pops the next received, fully-parsed packet, or ok=false if the
// inbound FIFO is empty.
func (s *Stream) Dequeue() (packet.Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inQueue) == 0 {
		return nil, false
	}
	p := s.inQueue[0]
	s.inQueue = s.inQueue[1:]
	return p, true
}

// Close stops the writer goroutine. It does not close the underlying
// sockets; the owning connection's SocketPair does that.
func (s *Stream) Close() {
	if s.closing.Swap(true) {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.stopped
}

// Discard drops any queued outbound packets without stopping the writer
// goroutine, so a caller can still enqueue and flush a single control
// packet (the Exit packet) afterward. Used by abrupt disconnect() before it
// sends Exit, as opposed to disconnectSendAll's Flush-then-Close.
func (s *Stream) Discard() {
	s.mu.Lock()
	s.outQueue = nil
	s.mu.Unlock()
}

// Abort discards any queued outbound packets and stops the writer
// goroutine without waiting for them to drain.
func (s *Stream) Abort() {
	s.Discard()
	s.Close()
}

// Flush blocks until the outbound queue drains or deadline passes,
// returning whether it drained. Used by disconnectSendAll (internal/conn)
// after SetFeeder(nil).
func (s *Stream) Flush(deadline time.Time) bool {
	for {
		s.mu.Lock()
		empty := len(s.outQueue) == 0
		s.mu.Unlock()
		if empty {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Stats returns a snapshot of stream counters.
func (s *Stream) Stats() Stats {
	s.statsMu.Lock()
	st := s.stats
	s.statsMu.Unlock()

	s.mu.Lock()
	st.OutQueueDepth = len(s.outQueue)
	st.InQueueDepth = len(s.inQueue)
	st.DoneWriting = s.doneOnce && len(s.outQueue) == 0
	unlimited := s.outUnlimited
	lim := s.outLimiter
	s.mu.Unlock()

	if !unlimited {
		st.OutTokens = lim.TokensAt(time.Now())
	}
	return st
}

func (s *Stream) writerLoop() {
	defer close(s.stopped)
	for {
		s.mu.Lock()
		if len(s.outQueue) <= s.lowPacketThreshold {
			feeder := s.feeder
			s.mu.Unlock()
			if feeder != nil {
				feeder.OnLowPackets(s)
			}
			s.mu.Lock()
		}
		if len(s.outQueue) == 0 {
			if s.closing.Load() {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-time.After(s.feederTimeout):
			}
			continue
		}
		frame, closedEmpty := s.buildFrame()
		s.mu.Unlock()

		if frame.Len() > 0 {
			if _, err := s.sock.Write(frame.Data()); err != nil {
				if s.hooks.OnFatal != nil {
					s.hooks.OnFatal(gnerr.Wrap(gnerr.Write, err))
				}
				return
			}
			s.addBytesOut(uint64(frame.Len()))
		}

		if closedEmpty {
			s.mu.Lock()
			fire := !s.doneOnce
			s.doneOnce = true
			stillEmpty := len(s.outQueue) == 0
			s.mu.Unlock()
			if fire && stillEmpty && s.hooks.OnDoneWriting != nil {
				s.hooks.OnDoneWriting()
			}
		}

		if s.closing.Load() {
			s.mu.Lock()
			empty := len(s.outQueue) == 0
			s.mu.Unlock()
			if empty {
				return
			}
		}
	}
}

// buildFrame drains the outbound FIFO (caller holds s.mu) into a single
// frame, honoring FIFO order, the token bucket, and the frame's buffer
// capacity. Unreliable packets are written directly to the unreliable
// socket and never enter the frame.
func (s *Stream) buildFrame() (*wire.RawPacket, bool) {
	frame := wire.NewRawPacketSize(s.bufCap)
	now := time.Now()
	packetsOut := 0
	for len(s.outQueue) > 0 {
		head := s.outQueue[0]

		if !head.reliable {
			s.outQueue = s.outQueue[1:]
			s.writeUnreliable(head.pkt)
			continue
		}

		size := packet.HeaderSize + head.pkt.Size()
		if size > s.bufCap {
			// Can never fit in any frame; discard per spec.md §4.3 step 3.
			s.outQueue = s.outQueue[1:]
			s.reportError(gnerr.New(gnerr.PacketTooBig).WithMessage("dropping oversized packet"))
			continue
		}
		if frame.Position()+size > s.bufCap {
			break
		}
		if !s.outUnlimited && !s.outLimiter.AllowN(now, size) {
			break
		}
		if err := packet.WriteNext(frame, head.pkt); err != nil {
			s.outQueue = s.outQueue[1:]
			s.reportError(err)
			continue
		}
		s.outQueue = s.outQueue[1:]
		packetsOut++
	}
	if packetsOut > 0 {
		s.addPacketsOut(uint64(packetsOut))
	}
	return frame, len(s.outQueue) == 0
}

func (s *Stream) writeUnreliable(p packet.Packet) {
	if s.unrelSock == nil {
		s.reportError(gnerr.New(gnerr.OtherGNELevelError).WithMessage("no unreliable socket negotiated"))
		return
	}
	frame := wire.NewRawPacketSize(packet.HeaderSize + p.Size())
	if err := packet.WriteNext(frame, p); err != nil {
		s.reportError(err)
		return
	}
	if _, err := s.unrelSock.WriteTo(frame.Data(), netio.InvalidAddress()); err != nil {
		s.reportError(gnerr.Wrap(gnerr.Write, err))
		return
	}
	s.addBytesOut(uint64(frame.Len()))
	s.addPacketsOut(1)
}

// OnReadable implements netio.Readable. It is invoked by the readiness
// multiplexer when the reliable socket has data available.
func (s *Stream) OnReadable() {
	if s.closed.Load() {
		return
	}
	buf := make([]byte, s.bufCap)
	n, err := s.sock.Read(buf)
	if err != nil {
		if s.exitReceived.Load() {
			// The peer already announced a graceful close; it closing the
			// socket right behind its Exit packet is expected, not fatal.
			return
		}
		if s.hooks.OnFatal != nil {
			s.hooks.OnFatal(gnerr.Wrap(gnerr.Read, err))
		}
		return
	}
	if n == 0 {
		return
	}

	s.mu.Lock()
	s.inbuf = append(s.inbuf, buf[:n]...)
	parsed := 0
	sawExit := false
	for {
		rp := wire.FromBytes(s.inbuf)
		p, perr := packet.ParseNext(rp)
		if perr != nil {
			if errors.Is(perr, gnerr.New(gnerr.BufferUnderflow)) {
				break // incomplete packet; wait for more bytes
			}
			s.inbuf = nil
			s.mu.Unlock()
			s.reportError(perr)
			s.mu.Lock()
			break
		}
		consumed := rp.Position()
		s.inbuf = append([]byte(nil), s.inbuf[consumed:]...)
		parsed++
		if p.TypeID() == packet.TypeExit {
			// Exit is control-plane, not an application packet: it never
			// reaches Dequeue, and it must be the last packet processed
			// (spec.md §6).
			sawExit = true
			break
		}
		s.inQueue = append(s.inQueue, p)
	}
	s.mu.Unlock()

	s.addBytesIn(uint64(n))
	if parsed > 0 {
		s.addPacketsIn(uint64(parsed))
	}
	if sawExit {
		s.exitReceived.Store(true)
		if s.hooks.OnExit != nil {
			s.hooks.OnExit()
		}
		return
	}
	if s.hooks.OnReceive != nil {
		s.hooks.OnReceive()
	}
}

func (s *Stream) reportError(err error) {
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}

func (s *Stream) addBytesOut(n uint64) {
	s.statsMu.Lock()
	s.stats.BytesOut += n
	s.statsMu.Unlock()
}

func (s *Stream) addPacketsOut(n uint64) {
	s.statsMu.Lock()
	s.stats.PacketsOut += n
	s.statsMu.Unlock()
}

func (s *Stream) addBytesIn(n uint64) {
	s.statsMu.Lock()
	s.stats.BytesIn += n
	s.statsMu.Unlock()
}

func (s *Stream) addPacketsIn(n uint64) {
	s.statsMu.Lock()
	s.stats.PacketsIn += n
	s.statsMu.Unlock()
}
