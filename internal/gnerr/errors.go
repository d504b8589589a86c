// Package gnerr defines the enumerated error taxonomy shared by every
// connection-facing component: the wire codec, the handshake, the packet
// stream, and the server listener all report failures as a gnerr.Error
// instead of an ad-hoc wrapped error.
package gnerr

import "fmt"

// Kind enumerates the fixed set of error categories a connection can
// surface to a listener. The numeric values are not wire-significant; only
// the set is fixed.
type Kind int

const (
	NoError Kind = iota
	ProtocolViolation
	GNETheirVersionLow
	GNETheirVersionHigh
	UserVersionMismatch
	WrongGame
	CouldNotOpenSocket
	ConnectionTimeOut
	ConnectionRefused
	ConnectionDropped
	SyncConnectionReleased
	Read
	Write
	UnknownPacket
	PacketTypeMismatch
	DuplicatePacketType
	PacketTooBig
	BufferOverflow
	BufferUnderflow
	OtherGNELevelError
	OtherLowLevelError
)

var kindNames = [...]string{
	"NoError",
	"ProtocolViolation",
	"GNETheirVersionLow",
	"GNETheirVersionHigh",
	"UserVersionMismatch",
	"WrongGame",
	"CouldNotOpenSocket",
	"ConnectionTimeOut",
	"ConnectionRefused",
	"ConnectionDropped",
	"SyncConnectionReleased",
	"Read",
	"Write",
	"UnknownPacket",
	"PacketTypeMismatch",
	"DuplicatePacketType",
	"PacketTooBig",
	"BufferOverflow",
	"BufferUnderflow",
	"OtherGNELevelError",
	"OtherLowLevelError",
}

// String renders the stable name of a Kind.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "UnknownKind"
	}
	return kindNames[k]
}

// Error is a value-typed error carrying a Kind plus optional low-level
// system and network error payloads. It is never used for control flow:
// handshake and steady-state code paths convert every Error into the
// matching listener callback (see internal/event and internal/conn).
type Error struct {
	Kind    Kind
	Sys     error // optional low-level system error (e.g. a syscall errno)
	Net     error // optional low-level network error (e.g. a net.Error)
	Message string
}

// New constructs a bare Error of the given Kind.
func New(k Kind) *Error { return &Error{Kind: k} }

// Wrap constructs an Error of the given Kind wrapping a low-level error.
// The low-level error is classified as Net when it has a Timeout() bool
// method, as net.Error does; otherwise it is treated as Sys.
func Wrap(k Kind, err error) *Error {
	e := &Error{Kind: k}
	if err == nil {
		return e
	}
	if _, ok := err.(interface{ Timeout() bool }); ok {
		e.Net = err
	} else {
		e.Sys = err
	}
	return e
}

// WithMessage attaches a human-readable detail string.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// Error renders a stable human message per Kind, followed by low-level
// diagnostics where present.
func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Message != "" {
		s = fmt.Sprintf("%s: %s", s, e.Message)
	}
	if e.Sys != nil {
		s = fmt.Sprintf("%s (sys: %v)", s, e.Sys)
	}
	if e.Net != nil {
		s = fmt.Sprintf("%s (net: %v)", s, e.Net)
	}
	return s
}

// Unwrap exposes the low-level cause, preferring the system error, so
// errors.Is/As can reach into whatever the transport actually returned.
func (e *Error) Unwrap() error {
	if e.Sys != nil {
		return e.Sys
	}
	return e.Net
}

// Is reports whether target is a *Error with the same Kind, so callers can
// write errors.Is(err, gnerr.New(gnerr.ConnectionDropped)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Recoverable reports whether a steady-state Error kind leaves the
// connection up (delivered via onError) rather than forcing a disconnect
// (delivered via onFailure). Per spec.md §7 propagation policy.
func (k Kind) Recoverable() bool {
	switch k {
	case UnknownPacket, PacketTypeMismatch, PacketTooBig:
		return true
	default:
		return false
	}
}

// Fatal reports whether a Kind forces disconnect per spec.md §7.
func (k Kind) Fatal() bool {
	switch k {
	case Read, Write, ConnectionDropped, ProtocolViolation:
		return true
	default:
		return false
	}
}

// MetricLabel maps an Error to a bounded-cardinality Prometheus label value.
func (e *Error) MetricLabel() string {
	switch e.Kind {
	case Read:
		return "read"
	case Write:
		return "write"
	case ConnectionTimeOut:
		return "timeout"
	case ConnectionDropped:
		return "conn_dropped"
	case GNETheirVersionLow, GNETheirVersionHigh, UserVersionMismatch, WrongGame:
		return "handshake"
	case UnknownPacket, PacketTypeMismatch, DuplicatePacketType, PacketTooBig:
		return "packet"
	case BufferOverflow, BufferUnderflow:
		return "codec"
	case CouldNotOpenSocket, ConnectionRefused:
		return "socket"
	default:
		return "other"
	}
}
