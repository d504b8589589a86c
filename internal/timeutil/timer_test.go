package timeutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPeriodicFiresAndStops(t *testing.T) {
	var n atomic.Int32
	p := NewPeriodic(5*time.Millisecond, func() { n.Add(1) })
	p.Start()
	time.Sleep(40 * time.Millisecond)
	p.Stop()
	got := n.Load()
	if got < 2 {
		t.Fatalf("expected at least 2 fires, got %d", got)
	}
	after := n.Load()
	time.Sleep(20 * time.Millisecond)
	if n.Load() != after {
		t.Fatalf("expected no further fires after Stop")
	}
}

func TestPeriodicStopBlocksForInFlightCallback(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p := NewPeriodic(2*time.Millisecond, func() {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})
	p.Start()
	<-started
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("Stop returned before the in-flight callback finished")
	case <-time.After(10 * time.Millisecond):
	}
	close(release)
	<-done
}
