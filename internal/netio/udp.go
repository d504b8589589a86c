package netio

import (
	"errors"
	"net"
	"strconv"
)

// UDPSocket adapts a *net.UDPConn to the UnreliableSocket interface.
// Per spec.md §4.5 step 4, the client side binds ephemeral and then fixes
// a single remote peer with SetRemoteAddr; the server side likewise binds
// a fresh ephemeral socket per connection and fixes its peer once the
// client has announced its own port. No socket is shared between
// connections.
type UDPSocket struct {
	conn   *net.UDPConn
	remote *net.UDPAddr // set once negotiated, nil until then
}

// ListenUDP opens an unreliable socket bound to addr ("" host = any,
// port 0 = ephemeral).
func ListenUDP(addr string) (*UDPSocket, error) {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", a)
	if err != nil {
		return nil, err
	}
	return &UDPSocket{conn: c}, nil
}

// LocalPort returns the bound local port, used to fill the CAP's
// unreliable_port field.
func (s *UDPSocket) LocalPort() int {
	if a, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		return a.Port
	}
	return -1
}

// SetRemoteAddr fixes the single peer this socket talks to, per spec.md
// §4.5 step 4.
func (s *UDPSocket) SetRemoteAddr(host string, port int) error {
	a, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	s.remote = a
	return nil
}

func (s *UDPSocket) ReadFrom(b []byte) (int, Address, error) {
	n, addr, err := s.conn.ReadFromUDP(b)
	if err != nil {
		return n, Address{invalid: true}, err
	}
	return n, AddressFromNetAddr("udp", addr), nil
}

// WriteTo writes to addr if given (invalid Address falls back to the fixed
// remote set by SetRemoteAddr).
func (s *UDPSocket) WriteTo(b []byte, addr Address) (int, error) {
	if addr.Invalid() {
		if s.remote == nil {
			return 0, errNoRemote
		}
		return s.conn.WriteToUDP(b, s.remote)
	}
	a, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return 0, err
	}
	return s.conn.WriteToUDP(b, a)
}

func (s *UDPSocket) Close() error { return s.conn.Close() }

var errNoRemote = errors.New("netio: unreliable socket has no remote address set")
