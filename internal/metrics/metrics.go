// Package metrics exposes the gateway counters to Prometheus and keeps an
// in-process mirror of each so logs and tests can read them without scraping.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kstaniek/go-serial-link/internal/logging"
)

const namespace = "serial_link"

// Error label values; a fixed set keeps errors_total cardinality bounded.
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSerialRead     = "serial_read"
	ErrRxOverflow     = "rx_overflow"
	ErrRequest        = "bad_request"
	ErrMQTTPublish    = "mqtt_publish"
)

var errorLabels = []string{
	ErrTCPRead, ErrTCPWrite, ErrHandshake,
	ErrSerialWrite, ErrSerialOverflow, ErrSerialRead,
	ErrRxOverflow, ErrRequest, ErrMQTTPublish,
}

// Exchange outcomes recorded by ObserveExchange.
const (
	OutcomeOK         = "ok"
	OutcomeTimeout    = "timeout"
	OutcomeUnexpected = "unexpected"
	OutcomeClosed     = "closed"
	OutcomeCanceled   = "canceled"
)

// counter pairs a Prometheus counter with its local mirror.
type counter struct {
	prom  prometheus.Counter
	local atomic.Uint64
}

func newCounter(subsystem, name, help string) *counter {
	return &counter{prom: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})}
}

func (c *counter) add(n int) {
	if n <= 0 {
		return
	}
	c.prom.Add(float64(n))
	c.local.Add(uint64(n))
}

// gauge pairs a Prometheus gauge with its local mirror.
type gauge struct {
	prom  prometheus.Gauge
	local atomic.Uint64
}

func newGauge(subsystem, name, help string) *gauge {
	return &gauge{prom: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})}
}

func (g *gauge) set(n int) {
	if n < 0 {
		n = 0
	}
	g.prom.Set(float64(n))
	g.local.Store(uint64(n))
}

var (
	serialRx  = newCounter("serial", "rx_bytes_total", "Bytes delivered by the port into the receive buffer.")
	serialTx  = newCounter("serial", "tx_bytes_total", "Bytes written to the port.")
	rxLines   = newCounter("rx", "lines_total", "Newline delimited frames extracted from the receive buffer.")
	rxFrames  = newCounter("rx", "frames_total", "Fixed length frames extracted from the receive buffer.")
	rxPending = newGauge("rx", "pending_bytes", "Bytes left in the receive buffer after the last extraction pass.")
	rxOverfl  = newCounter("rx", "overflows_total", "Deliveries rejected because the receive buffer was full.")
	malformed = newCounter("rx", "malformed_frames_total", "Fixed length frames whose checksum trailer did not match.")
	timeouts  = newCounter("exchange", "timeouts_total", "Request/response exchanges that ran out of ticks.")
	tcpRx     = newCounter("tcp", "rx_requests_total", "Request lines received from TCP clients.")
	tcpTx     = newCounter("tcp", "tx_frames_total", "Frames sent to TCP clients.")
	mqttPub   = newCounter("mqtt", "published_total", "Frames published to the MQTT broker.")
	hubDrop   = newCounter("hub", "dropped_frames_total", "Frames dropped for slow clients.")
	hubKick   = newCounter("hub", "kicked_clients_total", "Clients disconnected by the kick policy.")
	hubReject = newCounter("hub", "rejected_clients_total", "Connections refused at the client limit.")
	hubActive = newGauge("hub", "active_clients", "Connected clients.")
	exchanges = newCounter("exchange", "total", "Completed request/response exchanges of any outcome.")

	errorsVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "errors_total", Help: "Errors by subsystem.",
	}, []string{"where"})
	errorsLocal atomic.Uint64

	exchangeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "exchange", Name: "duration_seconds",
		Help:    "Time from request write to response frame.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"outcome"})

	buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "build_info", Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Snapshot is a copy of the local mirrors.
type Snapshot struct {
	SerialRxBytes uint64
	SerialTxBytes uint64
	RxLines       uint64
	RxFrames      uint64
	RxPending     uint64
	RxOverflows   uint64
	Malformed     uint64
	Timeouts      uint64
	Exchanges     uint64
	TCPRx         uint64
	TCPTx         uint64
	MQTTPublished uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	HubClients    uint64
	Errors        uint64 // all labels
}

func Snap() Snapshot {
	return Snapshot{
		SerialRxBytes: serialRx.local.Load(),
		SerialTxBytes: serialTx.local.Load(),
		RxLines:       rxLines.local.Load(),
		RxFrames:      rxFrames.local.Load(),
		RxPending:     rxPending.local.Load(),
		RxOverflows:   rxOverfl.local.Load(),
		Malformed:     malformed.local.Load(),
		Timeouts:      timeouts.local.Load(),
		Exchanges:     exchanges.local.Load(),
		TCPRx:         tcpRx.local.Load(),
		TCPTx:         tcpTx.local.Load(),
		MQTTPublished: mqttPub.local.Load(),
		HubDrops:      hubDrop.local.Load(),
		HubKicks:      hubKick.local.Load(),
		HubRejects:    hubReject.local.Load(),
		HubClients:    hubActive.local.Load(),
		Errors:        errorsLocal.Load(),
	}
}

func AddSerialRx(n int)   { serialRx.add(n) }
func AddSerialTx(n int)   { serialTx.add(n) }
func IncRxLine()          { rxLines.add(1) }
func IncRxFrame()         { rxFrames.add(1) }
func SetRxPending(n int)  { rxPending.set(n) }
func IncMalformed()       { malformed.add(1) }
func IncTimeout()         { timeouts.add(1) }
func IncTCPRx()           { tcpRx.add(1) }
func AddTCPTx(n int)      { tcpTx.add(n) }
func IncMQTTPublished()   { mqttPub.add(1) }
func IncHubDrop()         { hubDrop.add(1) }
func IncHubKick()         { hubKick.add(1) }
func IncHubReject()       { hubReject.add(1) }
func SetHubClients(n int) { hubActive.set(n) }

// IncRxOverflow counts a rejected delivery under both its counter and the
// rx_overflow error label.
func IncRxOverflow() {
	rxOverfl.add(1)
	IncError(ErrRxOverflow)
}

func IncError(label string) {
	errorsVec.WithLabelValues(label).Inc()
	errorsLocal.Add(1)
}

// ObserveExchange records how long an exchange took and how it ended.
func ObserveExchange(d time.Duration, outcome string) {
	exchanges.add(1)
	exchangeSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// InitBuildInfo sets build_info and pre-creates the error series so they
// are exported at zero before the first error.
func InitBuildInfo(version, commit, date string) {
	buildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range errorLabels {
		errorsVec.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers the check behind /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady reports true until a readiness func is registered.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	return fn == nil || fn()
}

// Handler serves /metrics and /ready.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !IsReady() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready\n"))
	})
	return mux
}

// StartHTTP serves Handler on addr in the background.
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}
