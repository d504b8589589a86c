package conn

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/kstaniek/gnet-engine/internal/event"
	"github.com/kstaniek/gnet-engine/internal/gnerr"
	"github.com/kstaniek/gnet-engine/internal/netio"
)

// Listener is the per-listen-socket identity and server-side negotiation
// surface; AcceptServer uses it to validate an incoming CRP and to
// decide whether an unreliable side-channel is offered.
type Listener struct {
	Identity      Identity
	Unreliable    bool // whether the server supports an unreliable side-channel at all
}

// DialClient performs the client-side handshake (spec.md §4.5) over a
// freshly-dialed reliable socket and, on success, starts steady state.
// group may be nil in tests that don't exercise the readiness multiplexer.
func DialClient(addr string, local Identity, params Params, timeout time.Duration, group *netio.Group) (*Connection, error) {
	sock, err := tcpDial(addr, timeout)
	if err != nil {
		return nil, err
	}
	c := newConnection()
	c.setState(StateOpened)
	if err := sock.SetDeadline(time.Now().Add(timeout)); err != nil {
		_ = sock.Close()
		return nil, wrapHandshakeIOErr(err)
	}
	c.setState(StateConnecting)

	crp := CRP{
		Version:             local.Version,
		GameName:            local.GameName,
		UserVersion:         local.UserVersion,
		UnreliableRequested: params.Unreliable,
		AdvertisedMaxInRate: uint32(params.InRate),
	}
	buf, err := EncodeCRP(crp)
	if err != nil {
		_ = sock.Close()
		c.setState(StateFailed)
		return nil, err
	}
	if _, err := sock.Conn().Write(buf); err != nil {
		_ = sock.Close()
		c.setState(StateFailed)
		return nil, gnerr.Wrap(gnerr.Write, err)
	}

	respBuf := make([]byte, capSize)
	if _, err := io.ReadFull(sock.Conn(), respBuf); err != nil {
		_ = sock.Close()
		c.setState(StateFailed)
		return nil, gnerr.Wrap(gnerr.ConnectionRefused, err)
	}
	capResp, err := DecodeCAP(respBuf)
	if err != nil {
		_ = sock.Close()
		c.setState(StateFailed)
		return nil, err
	}
	if !capResp.Accept {
		_ = sock.Close()
		c.setState(StateFailed)
		k := classifyVersion(local.Version, capResp.Version)
		if k == gnerr.NoError && capResp.Version.Minor < local.Version.Minor {
			// Same major, older server minor: the server refused our newer one.
			k = gnerr.GNETheirVersionLow
		}
		if k == gnerr.NoError {
			k = gnerr.ConnectionRefused
		}
		return nil, gnerr.New(k).WithMessage("server refused connection")
	}

	var unrel *netio.UDPSocket
	unrelPort := int32(-1)
	if params.Unreliable && crp.UnreliableRequested && capResp.UnreliablePort >= 0 {
		unrel, err = netio.ListenUDP(":0")
		if err != nil {
			_ = sock.Close()
			c.setState(StateFailed)
			return nil, gnerr.Wrap(gnerr.CouldNotOpenSocket, err)
		}
		if err := unrel.SetRemoteAddr(sock.RemoteAddr().Host(), int(capResp.UnreliablePort)); err != nil {
			_ = sock.Close()
			_ = unrel.Close()
			c.setState(StateFailed)
			return nil, gnerr.Wrap(gnerr.CouldNotOpenSocket, err)
		}
		portMsg := make([]byte, unrelPortMsgSize)
		binary.BigEndian.PutUint32(portMsg, uint32(unrel.LocalPort()))
		if _, err := sock.Conn().Write(portMsg); err != nil {
			_ = sock.Close()
			_ = unrel.Close()
			c.setState(StateFailed)
			return nil, gnerr.Wrap(gnerr.Write, err)
		}
		unrelPort = int32(unrel.LocalPort())
	}

	if err := sock.SetDeadline(time.Time{}); err != nil {
		_ = sock.Close()
		return nil, wrapHandshakeIOErr(err)
	}

	effOut := effectiveRate(params.OutRate, capResp.AdvertisedMaxInRate)
	c.remote = sock.RemoteAddr()

	sc := event.NewSyncConnection(c)
	sc.DeliverConnect(params.Listener)
	sc.Release()

	var unrelSock netio.UnreliableSocket
	if unrel != nil {
		unrelSock = unrel
	}
	if err := c.startSteadyState(params, sock, unrelSock, effOut, group); err != nil {
		_ = sock.Close()
		c.setState(StateFailed)
		return nil, err
	}
	c.unrelPort = unrelPort
	return c, nil
}

// AcceptServer performs the server-side handshake (spec.md §4.5) over an
// already-accepted reliable socket and, on success, starts steady state.
// getParams is the user factory (spec.md §4.8's get_new_connection_params);
// it is called once, before the CRP is read.
func AcceptServer(sock *netio.TCPSocket, listener Listener, getParams func() Params, timeout time.Duration, group *netio.Group) (*Connection, error) {
	params := getParams()
	c := newConnection()
	c.setState(StateOpened)
	if err := sock.SetDeadline(time.Now().Add(timeout)); err != nil {
		_ = sock.Close()
		return nil, wrapHandshakeIOErr(err)
	}
	c.setState(StateConnecting)

	reqBuf := make([]byte, crpSize+crpRateSize)
	if _, err := io.ReadFull(sock.Conn(), reqBuf); err != nil {
		_ = sock.Close()
		c.setState(StateFailed)
		return nil, gnerr.Wrap(gnerr.Read, err)
	}
	crp, err := DecodeCRP(reqBuf)
	if err != nil {
		_ = sock.Close()
		c.setState(StateFailed)
		return nil, err
	}

	if k := validateCRP(listener.Identity, crp); k != gnerr.NoError {
		refusal := EncodeCAP(CAP{Version: listener.Identity.Version, Accept: false})
		_, _ = sock.Conn().Write(refusal)
		_ = sock.Close()
		c.setState(StateFailed)
		return nil, gnerr.New(k).WithMessage("rejecting incompatible client")
	}

	// The unreliable socket is only opened once we know the client
	// requested it and the server offers it; the peer's own chosen port is
	// learned from a follow-up message after the CAP, not from the CRP.
	var unrelSock *netio.UDPSocket
	offerUnrel := listener.Unreliable && params.Unreliable && crp.UnreliableRequested
	advertisedPort := int32(-1)
	if offerUnrel {
		unrelSock, err = netio.ListenUDP(":0")
		if err != nil {
			_ = sock.Close()
			c.setState(StateFailed)
			return nil, gnerr.Wrap(gnerr.CouldNotOpenSocket, err)
		}
		advertisedPort = int32(unrelSock.LocalPort())
	}

	accept := EncodeCAP(CAP{
		Version:             listener.Identity.Version,
		Accept:              true,
		AdvertisedMaxInRate: uint32(params.InRate),
		UnreliablePort:      advertisedPort,
	})
	if _, err := sock.Conn().Write(accept); err != nil {
		_ = sock.Close()
		if unrelSock != nil {
			_ = unrelSock.Close()
		}
		c.setState(StateFailed)
		return nil, gnerr.Wrap(gnerr.Write, err)
	}

	if offerUnrel {
		portMsg := make([]byte, unrelPortMsgSize)
		if _, err := io.ReadFull(sock.Conn(), portMsg); err != nil {
			_ = sock.Close()
			_ = unrelSock.Close()
			c.setState(StateFailed)
			return nil, gnerr.Wrap(gnerr.Read, err)
		}
		peerPort := binary.BigEndian.Uint32(portMsg)
		if err := unrelSock.SetRemoteAddr(sock.RemoteAddr().Host(), int(peerPort)); err != nil {
			_ = sock.Close()
			_ = unrelSock.Close()
			c.setState(StateFailed)
			return nil, gnerr.Wrap(gnerr.CouldNotOpenSocket, err)
		}
	}

	if err := sock.SetDeadline(time.Time{}); err != nil {
		_ = sock.Close()
		return nil, wrapHandshakeIOErr(err)
	}

	effOut := effectiveRate(params.OutRate, crp.AdvertisedMaxInRate)
	c.remote = sock.RemoteAddr()

	sc := event.NewSyncConnection(c)
	sc.DeliverNewConn(params.Listener)
	sc.Release()

	var unrelIface netio.UnreliableSocket
	if unrelSock != nil {
		unrelIface = unrelSock
	}
	if err := c.startSteadyState(params, sock, unrelIface, effOut, group); err != nil {
		_ = sock.Close()
		c.setState(StateFailed)
		return nil, err
	}
	c.unrelPort = advertisedPort
	return c, nil
}
