package netio

import (
	"net"
	"syscall"
	"time"
)

// TCPSocket adapts a *net.TCPConn to the ReliableSocket interface.
type TCPSocket struct {
	conn *net.TCPConn
}

// DialTCP opens an outgoing reliable connection, used by the client half of
// the handshake (internal/conn).
func DialTCP(network, addr string, timeout time.Duration) (*TCPSocket, error) {
	d := net.Dialer{Timeout: timeout}
	c, err := d.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	tcp, ok := c.(*net.TCPConn)
	if !ok {
		_ = c.Close()
		return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.EAFNOSUPPORT}
	}
	_ = tcp.SetNoDelay(true)
	return &TCPSocket{conn: tcp}, nil
}

// WrapTCP adapts an already-accepted *net.TCPConn (the server listener's
// half, internal/gne).
func WrapTCP(c *net.TCPConn) *TCPSocket {
	_ = c.SetNoDelay(true)
	return &TCPSocket{conn: c}
}

func (s *TCPSocket) Read(b []byte) (int, error)  { return s.conn.Read(b) }
func (s *TCPSocket) Write(b []byte) (int, error) { return s.conn.Write(b) }
func (s *TCPSocket) Close() error                { return s.conn.Close() }

func (s *TCPSocket) RemoteAddr() Address {
	return AddressFromNetAddr("tcp", s.conn.RemoteAddr())
}

// SetDeadline is used by the handshake to bound CRP/CAP exchange.
func (s *TCPSocket) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }

// SetReadDeadline sets the deadline for future Read calls on the
// underlying connection.
func (s *TCPSocket) SetReadDeadline(t time.Time) error { return s.conn.SetReadDeadline(t) }

func (s *TCPSocket) SyscallConn() (interface{ Control(func(fd uintptr)) error }, error) {
	rc, err := s.conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// Conn exposes the underlying net.Conn for callers (e.g. the handshake)
// that need io.Reader/io.Writer directly.
func (s *TCPSocket) Conn() net.Conn { return s.conn }
