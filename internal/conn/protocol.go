// Package conn implements the connection state machine, CRP/CAP handshake,
// and steady-state wiring between the packet stream and the event thread
// (spec.md §4.5, component E).
//
// Grounded on the teacher's internal/cnl/handshake.go (a fixed-length
// hello exchanged under a deadline, over plain net.Conn) generalized from
// a single shared constant string to the CRP/CAP's versioned, fixed-width
// binary layout, and on internal/server/handshake.go's call shape
// (handshake invoked once per accepted connection before steady state).
package conn

import (
	"encoding/binary"
	"strings"

	"github.com/kstaniek/gnet-engine/internal/gnerr"
)

// magic is the fixed 4-byte CRP/CAP header prefix, followed by 4 reserved
// zero bytes (spec.md §6).
const magic = "GNE\x00"

const (
	crpSize          = 48 // CRP proper; a 4-byte rate field follows on the wire
	crpRateSize      = 4
	capSize          = 48 // CAP is always exactly 48 bytes, mirroring CRP
	gameNameField    = 32
	unrelPortMsgSize = 4
)

// Version is the engine's own protocol version, distinct from the
// application's opaque UserVersion.
type Version struct {
	Major uint8
	Minor uint8
	Build uint16
}

// Identity is the local side's protocol identity, supplied once at
// Listen/Dial time and compared against the peer's CRP during handshake.
type Identity struct {
	Version     Version
	GameName    string
	UserVersion uint16
}

// CRP is the Connection Request Packet a client sends to open a
// connection.
type CRP struct {
	Version             Version
	GameName            string
	UserVersion         uint16
	UnreliableRequested bool
	AdvertisedMaxInRate uint32
}

// EncodeCRP serializes c into the 52-byte wire form (48-byte CRP plus the
// trailing 4-byte advertised-max-in-rate field).
func EncodeCRP(c CRP) ([]byte, error) {
	if len(c.GameName) > gameNameField-1 {
		return nil, gnerr.New(gnerr.ProtocolViolation).WithMessage("game name exceeds 31 bytes")
	}
	if strings.IndexByte(c.GameName, 0) >= 0 {
		return nil, gnerr.New(gnerr.ProtocolViolation).WithMessage("game name contains embedded NUL")
	}
	buf := make([]byte, crpSize+crpRateSize)
	copy(buf[0:4], magic)
	buf[8] = c.Version.Major
	buf[9] = c.Version.Minor
	binary.BigEndian.PutUint16(buf[10:12], c.Version.Build)
	copy(buf[12:12+len(c.GameName)], c.GameName)
	binary.BigEndian.PutUint16(buf[44:46], c.UserVersion)
	if c.UnreliableRequested {
		buf[46] = 1
	}
	binary.BigEndian.PutUint32(buf[crpSize:crpSize+crpRateSize], c.AdvertisedMaxInRate)
	return buf, nil
}

// DecodeCRP parses a 52-byte buffer written by EncodeCRP.
func DecodeCRP(buf []byte) (CRP, error) {
	if len(buf) != crpSize+crpRateSize {
		return CRP{}, gnerr.New(gnerr.ProtocolViolation).WithMessage("short CRP")
	}
	if string(buf[0:4]) != magic {
		return CRP{}, gnerr.New(gnerr.ProtocolViolation).WithMessage("bad magic")
	}
	var c CRP
	c.Version = Version{Major: buf[8], Minor: buf[9], Build: binary.BigEndian.Uint16(buf[10:12])}
	nameBytes := buf[12:44]
	end := 0
	for end < len(nameBytes) && nameBytes[end] != 0 {
		end++
	}
	c.GameName = string(nameBytes[:end])
	c.UserVersion = binary.BigEndian.Uint16(buf[44:46])
	c.UnreliableRequested = buf[46] != 0
	c.AdvertisedMaxInRate = binary.BigEndian.Uint32(buf[crpSize : crpSize+crpRateSize])
	return c, nil
}

// CAP is the Connection Accept Packet (or refusal) a server sends back.
// It is always exactly 48 bytes: on refusal, only the header and the
// server's version block are meaningful; the remainder is zero padding.
type CAP struct {
	Version             Version
	Accept              bool
	AdvertisedMaxInRate uint32
	UnreliablePort      int32 // -1 = none
}

// EncodeCAP serializes c into its fixed 48-byte wire form.
func EncodeCAP(c CAP) []byte {
	buf := make([]byte, capSize)
	copy(buf[0:4], magic)
	buf[8] = c.Version.Major
	buf[9] = c.Version.Minor
	binary.BigEndian.PutUint16(buf[10:12], c.Version.Build)
	if c.Accept {
		buf[12] = 1
		binary.BigEndian.PutUint32(buf[13:17], c.AdvertisedMaxInRate)
		binary.BigEndian.PutUint32(buf[17:21], uint32(c.UnreliablePort))
	}
	// buf[12] already 0 on refusal; the header's version block (written
	// above) is the "server's protocol version block" spec.md §6 mandates
	// for a refusal.
	return buf
}

// DecodeCAP parses a 48-byte buffer written by EncodeCAP.
func DecodeCAP(buf []byte) (CAP, error) {
	if len(buf) != capSize {
		return CAP{}, gnerr.New(gnerr.ProtocolViolation).WithMessage("short CAP")
	}
	if string(buf[0:4]) != magic {
		return CAP{}, gnerr.New(gnerr.ProtocolViolation).WithMessage("bad magic")
	}
	var c CAP
	c.Version = Version{Major: buf[8], Minor: buf[9], Build: binary.BigEndian.Uint16(buf[10:12])}
	c.Accept = buf[12] != 0
	if c.Accept {
		c.AdvertisedMaxInRate = binary.BigEndian.Uint32(buf[13:17])
		c.UnreliablePort = int32(binary.BigEndian.Uint32(buf[17:21]))
	} else {
		c.UnreliablePort = -1
	}
	return c, nil
}

// classifyVersion reports whether peer's version (as seen from local's
// point of view) is compatible, per spec.md §6's "same major, peer's
// minor ≤ ours (peer higher → GNETheirVersionHigh), build ignored". It is
// used by both roles: the server classifies the client's CRP version
// against its own, and the client classifies a refusing server's CAP
// version against its own to explain the refusal.
func classifyVersion(local, peer Version) gnerr.Kind {
	if peer.Major != local.Major {
		if peer.Major < local.Major {
			return gnerr.GNETheirVersionLow
		}
		return gnerr.GNETheirVersionHigh
	}
	if peer.Minor > local.Minor {
		return gnerr.GNETheirVersionHigh
	}
	return gnerr.NoError
}

// validateCRP checks an incoming CRP against the server's own identity,
// in the priority order spec.md §7 implies: game name, then protocol
// version, then the application's own opaque user version.
func validateCRP(local Identity, crp CRP) gnerr.Kind {
	if crp.GameName != local.GameName {
		return gnerr.WrongGame
	}
	if k := classifyVersion(local.Version, crp.Version); k != gnerr.NoError {
		return k
	}
	if local.UserVersion != 0 && crp.UserVersion != local.UserVersion {
		return gnerr.UserVersionMismatch
	}
	return gnerr.NoError
}
