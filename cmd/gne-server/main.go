package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/gnet-engine/internal/conn"
	"github.com/kstaniek/gnet-engine/internal/gne"
	"github.com/kstaniek/gnet-engine/internal/metrics"
	"github.com/kstaniek/gnet-engine/internal/netio"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("gne-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	group, err := netio.NewGroup()
	if err != nil {
		l.Error("multiplexer_init_error", "error", err)
		return
	}
	defer group.Close()

	identity := conn.Identity{
		Version:     conn.Version{Major: uint8(cfg.verMajor), Minor: uint8(cfg.verMinor), Build: uint16(cfg.verBuild)},
		GameName:    cfg.gameName,
		UserVersion: uint16(cfg.userVersion),
	}

	factory := &demoFactory{cfg: cfg, log: l}
	ln := gne.New(factory,
		gne.WithListenAddr(cfg.listenAddr),
		gne.WithIdentity(identity),
		gne.WithUnreliable(cfg.unreliable),
		gne.WithHandshakeTimeout(cfg.handshakeTO),
		gne.WithMaxConnections(cfg.maxConnections),
		gne.WithGroup(group),
		gne.WithLogger(l),
	)
	factory.ln = ln

	go func() {
		if err := ln.Serve(ctx); err != nil {
			l.Error("gne_listener_error", "error", err)
			cancel()
		}
	}()

	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-ln.Ready():
		case <-ctx.Done():
			return
		}
		addr := ln.Addr()
		var portNum int
		if _, p, err := net.SplitHostPort(addr); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		if portNum == 0 {
			if i := strings.LastIndex(addr, ":"); i >= 0 {
				if pn, perr := strconv.Atoi(addr[i+1:]); perr == nil {
					portNum = pn
				}
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-ln.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date, nil)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := ln.Shutdown(shutdownCtx); err != nil {
		l.Warn("listener_shutdown_error", "error", err)
	}
	wg.Wait()
}
