// Package packet implements the tagged packet registry (spec.md §4.2,
// component B): a process-wide mapping from a 1-byte type id to a factory,
// and the five-method contract every concrete packet type implements.
//
// Grounded on the teacher's dispatch-by-tag shape in internal/cnl (a single
// Codec with a fixed wire layout) generalized to a registry of many
// independently-registered types, matching the base-packet contract
// (getType/getSize/writePacket/readPacket/makeClone) described in the
// source gnelib's Packet class
// (_examples/original_source/trunk/gnelib/src/Packet.h).
package packet

import (
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/gnet-engine/internal/gnerr"
	"github.com/kstaniek/gnet-engine/internal/wire"
)

// MinUserID is the first type id reserved for application packets;
// ids below it are reserved for the engine's built-in types.
const MinUserID = 64

// HeaderSize is the on-wire overhead WriteNext/ParseNext add ahead of a
// packet's own payload: the 1-byte type id plus the implicit 32-bit
// timestamp spec.md §3 mandates on every packet.
const HeaderSize = 1 + wire.SizeU32

// ExitTypeID is the fixed type id of the built-in ExitPacket, which must be
// the last packet sent on a connection's reliable channel.
const ExitTypeID = 0

// Packet is the contract every concrete packet type implements. write/read
// operate on an already-positioned RawPacket; ParseNext and WriteNext (below)
// own reading and writing the leading type-id byte and timestamp.
type Packet interface {
	TypeID() uint8
	// Size returns the maximum serialized byte count, used by the packet
	// stream to decide whether a packet fits in the remaining frame budget.
	Size() int
	Write(rp *wire.RawPacket) error
	Read(rp *wire.RawPacket) error
	// Clone returns a deep copy.
	Clone() Packet
}

// Timestamped is implemented by packets that carry the implicit 32-bit
// timestamp field spec.md §3 mandates on every packet.
type Timestamped interface {
	SetTimestamp(uint32)
	Timestamp() uint32
}

// Factory constructs a zero-value instance of a registered packet type,
// ready to have Read called on it.
type Factory func() Packet

var (
	registryMu sync.RWMutex
	registry   = map[uint8]Factory{}
)

// Register adds a factory for typeID to the process-wide registry. It
// panics if typeID is already registered, matching spec.md §3's invariant
// that no two registered types may share an id — this is a programming
// error caught at package-init time, not a runtime condition to recover
// from.
func Register(typeID uint8, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[typeID]; exists {
		panic(fmt.Sprintf("packet: duplicate registration for type id %d", typeID))
	}
	registry[typeID] = f
}

// Lookup returns the factory registered for typeID, or ok=false if none is
// registered.
func Lookup(typeID uint8) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[typeID]
	return f, ok
}

// ParseNext reads the 1-byte type id and the implicit 32-bit timestamp from
// rp, looks up the id's factory, constructs an empty instance, stores the
// timestamp on it if it implements Timestamped, and calls Read on it. An id
// with no registered factory yields gnerr.UnknownPacket; the caller is
// expected to discard the remainder of the frame, per spec.md §4.2.
func ParseNext(rp *wire.RawPacket) (Packet, error) {
	id, err := rp.ReadU8()
	if err != nil {
		return nil, err
	}
	f, ok := Lookup(id)
	if !ok {
		return nil, gnerr.New(gnerr.UnknownPacket).WithMessage(fmt.Sprintf("type id %d", id))
	}
	ts, err := rp.ReadU32()
	if err != nil {
		return nil, err
	}
	p := f()
	if tp, ok := p.(Timestamped); ok {
		tp.SetTimestamp(ts)
	}
	if err := p.Read(rp); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteNext writes p's type id, its implicit 32-bit timestamp (the current
// time if p hasn't had one set explicitly), and its serialized body.
func WriteNext(rp *wire.RawPacket, p Packet) error {
	if err := rp.WriteU8(p.TypeID()); err != nil {
		return err
	}
	ts := uint32(0)
	if tp, ok := p.(Timestamped); ok {
		if tp.Timestamp() == 0 {
			tp.SetTimestamp(uint32(time.Now().Unix()))
		}
		ts = tp.Timestamp()
	}
	if err := rp.WriteU32(ts); err != nil {
		return err
	}
	return p.Write(rp)
}
