package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/gnet-engine/internal/metrics"
	"github.com/kstaniek/gnet-engine/internal/timeutil"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	p := timeutil.NewPeriodic(interval, func() {
		snap := metrics.Snap()
		l.Info("metrics_snapshot",
			"packets_out", snap.PacketsOut,
			"packets_in", snap.PacketsIn,
			"bytes_out", snap.BytesOut,
			"bytes_in", snap.BytesIn,
			"accepted", snap.Accepted,
			"established", snap.Established,
			"failed", snap.Failed,
			"errors", snap.Errors,
		)
	})
	p.Start()
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		p.Stop()
	}()
}
