// Package wire implements the endian-safe primitive codec (spec.md §4.1,
// component A). Every concrete packet type in internal/packet reads and
// writes itself through a RawPacket; RawPacket itself knows nothing about
// packet types.
//
// Grounded on the teacher's internal/cnl/codec.go: fixed-size buffer,
// encoding/binary big-endian primitives, malformed-input detection feeding
// a metrics hook.
package wire

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"

	"github.com/kstaniek/gnet-engine/internal/gnerr"
)

// DefaultCapacity is the default RawPacket buffer size: below the typical
// link MTU after protocol headers, per spec.md §3.
const DefaultCapacity = 500

// ErrNulInString is returned by WriteString when the string contains an
// embedded NUL byte, which the wire format forbids.
var ErrNulInString = errors.New("wire: string contains embedded NUL")

// RawPacket is a fixed-capacity byte buffer with a cursor, used for both
// serialization and deserialization. Capacity is fixed at construction and
// never grows; writes past capacity fail with gnerr.BufferOverflow and
// reads past the write high-water mark fail with gnerr.BufferUnderflow.
type RawPacket struct {
	buf []byte
	pos int
	len int // high-water mark: number of valid bytes starting at buf[0]
}

// NewRawPacket allocates a RawPacket with DefaultCapacity.
func NewRawPacket() *RawPacket { return NewRawPacketSize(DefaultCapacity) }

// NewRawPacketSize allocates a RawPacket with the given fixed capacity.
func NewRawPacketSize(capacity int) *RawPacket {
	return &RawPacket{buf: make([]byte, capacity)}
}

// FromBytes wraps an existing byte slice for reading; the slice is not
// copied, so the caller must not mutate it while the RawPacket is in use.
func FromBytes(b []byte) *RawPacket {
	return &RawPacket{buf: b, len: len(b)}
}

// Reset rewinds the cursor and write high-water mark to zero, letting the
// buffer be reused for a new packet without reallocating.
func (r *RawPacket) Reset() {
	r.pos = 0
	r.len = 0
}

// Rewind resets only the read cursor, keeping the write high-water mark, so
// a just-written buffer can be read back for round-trip tests.
func (r *RawPacket) Rewind() { r.pos = 0 }

// Position returns the current cursor offset.
func (r *RawPacket) Position() int { return r.pos }

// Len returns the number of valid (written) bytes.
func (r *RawPacket) Len() int { return r.len }

// Cap returns the fixed buffer capacity.
func (r *RawPacket) Cap() int { return len(r.buf) }

// Remaining returns the number of bytes still available to read.
func (r *RawPacket) Remaining() int { return r.len - r.pos }

// Data returns the valid written region of the underlying buffer. Callers
// must not retain it past the next Reset/write.
func (r *RawPacket) Data() []byte { return r.buf[:r.len] }

func (r *RawPacket) ensureWrite(n int) error {
	if r.pos+n > len(r.buf) {
		return gnerr.New(gnerr.BufferOverflow).WithMessage("raw packet capacity exceeded")
	}
	return nil
}

func (r *RawPacket) ensureRead(n int) error {
	if r.pos+n > r.len {
		return gnerr.New(gnerr.BufferUnderflow).WithMessage("raw packet underrun")
	}
	return nil
}

func (r *RawPacket) advanceWrite(n int) {
	r.pos += n
	if r.pos > r.len {
		r.len = r.pos
	}
}

// WriteU8 appends an unsigned byte.
func (r *RawPacket) WriteU8(v uint8) error {
	if err := r.ensureWrite(1); err != nil {
		return err
	}
	r.buf[r.pos] = v
	r.advanceWrite(1)
	return nil
}

// WriteI8 appends a signed byte.
func (r *RawPacket) WriteI8(v int8) error { return r.WriteU8(uint8(v)) }

// WriteBool appends a boolean as a single byte (0/1).
func (r *RawPacket) WriteBool(v bool) error {
	if v {
		return r.WriteU8(1)
	}
	return r.WriteU8(0)
}

// WriteU16 appends a big-endian uint16.
func (r *RawPacket) WriteU16(v uint16) error {
	if err := r.ensureWrite(2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(r.buf[r.pos:], v)
	r.advanceWrite(2)
	return nil
}

// WriteI16 appends a big-endian int16.
func (r *RawPacket) WriteI16(v int16) error { return r.WriteU16(uint16(v)) }

// WriteU32 appends a big-endian uint32.
func (r *RawPacket) WriteU32(v uint32) error {
	if err := r.ensureWrite(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(r.buf[r.pos:], v)
	r.advanceWrite(4)
	return nil
}

// WriteI32 appends a big-endian int32.
func (r *RawPacket) WriteI32(v int32) error { return r.WriteU32(uint32(v)) }

// WriteF32 appends an IEEE 754 single-precision float in network order.
func (r *RawPacket) WriteF32(v float32) error { return r.WriteU32(math.Float32bits(v)) }

// WriteF64 appends an IEEE 754 double-precision float in network order.
func (r *RawPacket) WriteF64(v float64) error {
	if err := r.ensureWrite(8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(r.buf[r.pos:], math.Float64bits(v))
	r.advanceWrite(8)
	return nil
}

// WriteRaw appends a fixed-length byte slice verbatim (no length prefix).
func (r *RawPacket) WriteRaw(b []byte) error {
	if err := r.ensureWrite(len(b)); err != nil {
		return err
	}
	copy(r.buf[r.pos:], b)
	r.advanceWrite(len(b))
	return nil
}

// WriteBytes appends a length-prefixed (uint16 length) byte slice with no
// content restriction, for binary payloads (e.g. Custom packets) that are
// not required to be valid NUL-free UTF-8 the way WriteString's argument is.
func (r *RawPacket) WriteBytes(b []byte) error {
	if len(b) > math.MaxUint16 {
		return gnerr.New(gnerr.BufferOverflow).WithMessage("byte payload too long")
	}
	if err := r.WriteU16(uint16(len(b))); err != nil {
		return err
	}
	return r.WriteRaw(b)
}

// ReadBytes reads a length-prefixed byte slice written by WriteBytes.
func (r *RawPacket) ReadBytes() ([]byte, error) {
	n, err := r.ReadU16()
	if err != nil {
		return nil, err
	}
	return r.ReadRaw(int(n))
}

// SizeBytes returns the serialized size of a WriteBytes payload.
func SizeBytes(b []byte) int { return stringLenN + len(b) }

// WriteString appends a length-prefixed (uint16 length) UTF-8 string.
// Embedded NUL bytes are rejected per spec.md §4.1.
func (r *RawPacket) WriteString(s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return ErrNulInString
	}
	if len(s) > math.MaxUint16 {
		return gnerr.New(gnerr.BufferOverflow).WithMessage("string too long")
	}
	if err := r.WriteU16(uint16(len(s))); err != nil {
		return err
	}
	return r.WriteRaw([]byte(s))
}

func (r *RawPacket) advanceRead(n int) { r.pos += n }

// ReadU8 reads an unsigned byte.
func (r *RawPacket) ReadU8() (uint8, error) {
	if err := r.ensureRead(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.advanceRead(1)
	return v, nil
}

// ReadI8 reads a signed byte.
func (r *RawPacket) ReadI8() (int8, error) {
	v, err := r.ReadU8()
	return int8(v), err
}

// ReadBool reads a boolean byte.
func (r *RawPacket) ReadBool() (bool, error) {
	v, err := r.ReadU8()
	return v != 0, err
}

// ReadU16 reads a big-endian uint16.
func (r *RawPacket) ReadU16() (uint16, error) {
	if err := r.ensureRead(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.advanceRead(2)
	return v, nil
}

// ReadI16 reads a big-endian int16.
func (r *RawPacket) ReadI16() (int16, error) {
	v, err := r.ReadU16()
	return int16(v), err
}

// ReadU32 reads a big-endian uint32.
func (r *RawPacket) ReadU32() (uint32, error) {
	if err := r.ensureRead(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.advanceRead(4)
	return v, nil
}

// ReadI32 reads a big-endian int32.
func (r *RawPacket) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

// ReadF32 reads an IEEE 754 single-precision float in network order.
func (r *RawPacket) ReadF32() (float32, error) {
	v, err := r.ReadU32()
	return math.Float32frombits(v), err
}

// ReadF64 reads an IEEE 754 double-precision float in network order.
func (r *RawPacket) ReadF64() (float64, error) {
	if err := r.ensureRead(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.advanceRead(8)
	return math.Float64frombits(v), nil
}

// ReadRaw reads exactly n bytes verbatim.
func (r *RawPacket) ReadRaw(n int) ([]byte, error) {
	if err := r.ensureRead(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.advanceRead(n)
	return out, nil
}

// ReadString reads a length-prefixed UTF-8 string.
func (r *RawPacket) ReadString() (string, error) {
	n, err := r.ReadU16()
	if err != nil {
		return "", err
	}
	b, err := r.ReadRaw(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Sizes of fixed-width primitives, per spec.md §4.1's size_of contract.
const (
	SizeU8     = 1
	SizeI8     = 1
	SizeBool   = 1
	SizeU16    = 2
	SizeI16    = 2
	SizeU32    = 4
	SizeI32    = 4
	SizeF32    = 4
	SizeF64    = 8
	stringLenN = SizeU16
)

// SizeString returns the serialized size of a string: length prefix plus
// byte count.
func SizeString(s string) int { return stringLenN + len(s) }
