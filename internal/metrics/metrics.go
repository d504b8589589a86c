// Package metrics exposes Prometheus counters/gauges for the engine's
// packet stream, event dispatch, readiness multiplexer, and server
// listener, plus a /metrics + /ready HTTP endpoint.
//
// Grounded on the teacher's internal/metrics/metrics.go (promauto-built
// vars, StartHTTP, a readiness hook), with the CAN/serial/hub domain
// counters replaced by this engine's own.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/gnet-engine/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series.
var (
	PacketsOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gne_packets_out_total",
		Help: "Total packets written to peers across all connections.",
	})
	PacketsIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gne_packets_in_total",
		Help: "Total packets parsed from peers across all connections.",
	})
	BytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gne_bytes_out_total",
		Help: "Total bytes written to peers across all connections.",
	})
	BytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gne_bytes_in_total",
		Help: "Total bytes read from peers across all connections.",
	})
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gne_connections_accepted_total",
		Help: "Total reliable sockets accepted by the server listener.",
	})
	ConnectionsEstablished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gne_connections_established_total",
		Help: "Total handshakes that reached the Connected state.",
	})
	ConnectionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gne_connections_failed_total",
		Help: "Total handshakes that ended in refusal or a transport error.",
	})
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gne_connections_active",
		Help: "Current number of connections in the Connected state.",
	})
	MultiplexerRegistrations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gne_multiplexer_registrations",
		Help: "Current number of sockets registered with the readiness multiplexer.",
	})
	MultiplexerStaleDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gne_multiplexer_stale_drops_total",
		Help: "Total registrations auto-removed because their weak listener reference could not be upgraded.",
	})
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gne_events_dispatched_total",
		Help: "Total listener callbacks dispatched by event threads, by callback name.",
	}, []string{"callback"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gne_errors_total",
		Help: "Error counters by classified kind (see internal/gnerr.Error.MetricLabel).",
	}, []string{"kind"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// StartHTTP serves Prometheus metrics at /metrics and a liveness probe at
// /ready on a freshly created server bound to addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters, cheap to read without scraping Prometheus
// in-process (e.g. from a shutdown summary log line).
var (
	localPacketsOut  uint64
	localPacketsIn   uint64
	localBytesOut    uint64
	localBytesIn     uint64
	localAccepted    uint64
	localEstablished uint64
	localFailed      uint64
	localErrors      uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	PacketsOut  uint64
	PacketsIn   uint64
	BytesOut    uint64
	BytesIn     uint64
	Accepted    uint64
	Established uint64
	Failed      uint64
	Errors      uint64
}

func Snap() Snapshot {
	return Snapshot{
		PacketsOut:  atomic.LoadUint64(&localPacketsOut),
		PacketsIn:   atomic.LoadUint64(&localPacketsIn),
		BytesOut:    atomic.LoadUint64(&localBytesOut),
		BytesIn:     atomic.LoadUint64(&localBytesIn),
		Accepted:    atomic.LoadUint64(&localAccepted),
		Established: atomic.LoadUint64(&localEstablished),
		Failed:      atomic.LoadUint64(&localFailed),
		Errors:      atomic.LoadUint64(&localErrors),
	}
}

// AddPacketsOut records n packets and bytes written out.
func AddPacketsOut(n int, bytes int) {
	PacketsOut.Add(float64(n))
	BytesOut.Add(float64(bytes))
	atomic.AddUint64(&localPacketsOut, uint64(n))
	atomic.AddUint64(&localBytesOut, uint64(bytes))
}

// AddPacketsIn records n packets and bytes parsed in.
func AddPacketsIn(n int, bytes int) {
	PacketsIn.Add(float64(n))
	BytesIn.Add(float64(bytes))
	atomic.AddUint64(&localPacketsIn, uint64(n))
	atomic.AddUint64(&localBytesIn, uint64(bytes))
}

func IncAccepted() {
	ConnectionsAccepted.Inc()
	atomic.AddUint64(&localAccepted, 1)
}

func IncEstablished() {
	ConnectionsEstablished.Inc()
	atomic.AddUint64(&localEstablished, 1)
}

func IncFailed() {
	ConnectionsFailed.Inc()
	atomic.AddUint64(&localFailed, 1)
}

func SetActive(n int) { ConnectionsActive.Set(float64(n)) }

func SetMultiplexerRegistrations(n int) { MultiplexerRegistrations.Set(float64(n)) }

func IncMultiplexerStaleDrop() { MultiplexerStaleDrops.Inc() }

// IncEvent records one dispatch of the named listener callback
// ("onConnect", "onReceive", "onFailure", ...).
func IncEvent(callback string) { EventsDispatched.WithLabelValues(callback).Inc() }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers the error-kind
// label series so the first real error does not pay registration latency.
func InitBuildInfo(version, commit, date string, errorKinds []string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, k := range errorKinds {
		Errors.WithLabelValues(k).Add(0)
	}
}

// SetReadinessFunc registers the function /ready and IsReady consult.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function, if any.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
