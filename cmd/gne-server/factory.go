package main

import (
	"log/slog"
	"time"

	"github.com/kstaniek/gnet-engine/internal/conn"
	"github.com/kstaniek/gnet-engine/internal/event"
	"github.com/kstaniek/gnet-engine/internal/gne"
	"github.com/kstaniek/gnet-engine/internal/netio"
)

// demoFactory is the sample gne.Factory wired by main: it logs every
// lifecycle event instead of running an actual game, which is enough to
// exercise the full listener/handshake/stream/event stack end to end.
type demoFactory struct {
	cfg *appConfig
	log *slog.Logger
	ln  *gne.Listener
}

func (f *demoFactory) NewConnectionParams() conn.Params {
	return conn.Params{
		OutRate:       f.cfg.outRate,
		InRate:        f.cfg.inRate,
		Listener:      &demoListener{log: f.log},
		Timeout:       f.cfg.receiveTO,
		FeederTimeout: time.Second,
		Unreliable:    f.cfg.unreliable,
	}
}

func (f *demoFactory) OnListenSuccess(c *conn.Connection) {
	f.log.Info("connection_established", "remote", c.RemoteAddr().String(), "id", c.ID(), "effective_out_rate", c.EffectiveOutRate())
	go f.watchUntilDisconnected(c)
}

func (f *demoFactory) OnListenFailure(err error, from netio.Address) {
	f.log.Warn("connection_failed", "remote", from.String(), "error", err)
}

// watchUntilDisconnected keeps the listener's bookkeeping (ConnectionsActive,
// MaxConnections) accurate once a connection leaves the Connected state.
// Connection exposes no completion channel of its own, so this mirrors the
// short poll loops the teacher's accept path already uses for transient
// accept errors.
func (f *demoFactory) watchUntilDisconnected(c *conn.Connection) {
	for {
		switch c.State() {
		case conn.StateDisconnected, conn.StateFailed:
			f.ln.Untrack(c)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// demoListener logs every connection lifecycle callback.
type demoListener struct {
	log *slog.Logger
}

func (l *demoListener) OnConnect(c event.Conn)  { l.log.Info("on_connect", "remote", c.RemoteAddr().String()) }
func (l *demoListener) OnNewConn(c event.Conn)  { l.log.Info("on_new_conn", "remote", c.RemoteAddr().String()) }
func (l *demoListener) OnReceive()              {}
func (l *demoListener) OnError(err error)       { l.log.Warn("on_error", "error", err) }
func (l *demoListener) OnFailure(err error)     { l.log.Error("on_failure", "error", err) }
func (l *demoListener) OnExit()                 { l.log.Info("on_exit") }
func (l *demoListener) OnTimeout()              { l.log.Info("on_timeout") }
func (l *demoListener) OnDisconnect()           { l.log.Info("on_disconnect") }
func (l *demoListener) OnDoneWriting()          {}
