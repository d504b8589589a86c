// Package netio implements the low-level transport boundary spec.md §4.4
// and §6 keep external to the engine proper: address handling, the
// reliable/unreliable SocketPair, and (in poller_linux.go/poller_other.go)
// the readiness multiplexer's poll_read_group primitive.
//
// Grounded on the teacher's internal/serial.Port abstraction (an interface
// wrapping a concrete transport purely for testability), generalized here
// to a reliable net.Conn plus an optional unreliable net.PacketConn.
package netio

import (
	"fmt"
	"net"
)

// Address wraps a resolved protocol-family/host/port tuple. A zero-value
// Address (or one built from an unparsable string) is Invalid.
type Address struct {
	network string // "tcp" or "udp"
	host    string
	port    int
	invalid bool
}

// ParseAddress parses "host:port" for the given network ("tcp"/"udp").
// A parse failure yields an Address with Invalid()==true rather than an
// error, matching spec.md §3's "may be marked invalid" data model.
func ParseAddress(network, hostport string) Address {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{invalid: true}
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return Address{invalid: true}
	}
	return Address{network: network, host: host, port: port}
}

// AddressFromNetAddr wraps a resolved net.Addr (e.g. from net.Conn.RemoteAddr).
func AddressFromNetAddr(network string, a net.Addr) Address {
	if a == nil {
		return Address{invalid: true}
	}
	return ParseAddress(network, a.String())
}

// InvalidAddress returns the zero Address with Invalid()==true, used by
// callers that want WriteTo to fall back to a socket's fixed remote peer
// (see UDPSocket.WriteTo).
func InvalidAddress() Address { return Address{invalid: true} }

// Invalid reports whether the address failed to parse.
func (a Address) Invalid() bool { return a.invalid }

// Host returns the parsed host portion.
func (a Address) Host() string { return a.host }

// Port returns the parsed port portion.
func (a Address) Port() int { return a.port }

// String renders "host:port", or "<invalid>" if Invalid.
func (a Address) String() string {
	if a.invalid {
		return "<invalid>"
	}
	return fmt.Sprintf("%s:%d", a.host, a.port)
}

// ReliableSocket is the raw byte-stream transport consumed by the packet
// stream and framer (spec.md §4.4): pass-through read/write plus the
// Conn escape hatch the readiness multiplexer's poller needs to extract a
// raw file descriptor.
type ReliableSocket interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	RemoteAddr() Address
	// SyscallConn exposes the underlying net.Conn's raw fd access for the
	// epoll-backed poller (poller_linux.go). Adapters not backed by a real
	// OS socket (e.g. test doubles) may return nil, nil — such sockets are
	// simply never handed to the epoll multiplexer.
	SyscallConn() (interface{ Control(func(fd uintptr)) error }, error)
}

// UnreliableSocket is the raw datagram transport consumed by the packet
// stream when an unreliable side-channel was negotiated.
type UnreliableSocket interface {
	ReadFrom(b []byte) (int, Address, error)
	WriteTo(b []byte, addr Address) (int, error)
	Close() error
	LocalPort() int
}

// SocketPair holds the reliable socket every connection has and the
// optional unreliable socket negotiated during handshake, per spec.md §3.
// It is owned by exactly one connection and closed on connection
// destruction.
type SocketPair struct {
	Reliable   ReliableSocket
	Unreliable UnreliableSocket
}

// Disconnect closes both sockets. It is safe to call with either (or both)
// unset.
func (p *SocketPair) Disconnect() {
	if p.Reliable != nil {
		_ = p.Reliable.Close()
	}
	if p.Unreliable != nil {
		_ = p.Unreliable.Close()
	}
}
