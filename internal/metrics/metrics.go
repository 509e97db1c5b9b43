package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-mcp2515/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	SPITransactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2515_spi_transactions_total",
		Help: "Total chip-select bracketed SPI transactions issued to the controller.",
	})
	CANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2515_rx_frames_total",
		Help: "Total CAN frames read out of the receive buffers.",
	})
	CANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2515_tx_frames_total",
		Help: "Total CAN frames loaded and requested for transmission.",
	})
	TxBusy = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2515_tx_busy_total",
		Help: "Send attempts that found all three transmit buffers pending.",
	})
	ModeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2515_mode_confirm_failures_total",
		Help: "Mode requests the controller did not confirm within the poll budget.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to TCP clients.",
	})
	MirrorRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_mirror_rx_frames_total",
		Help: "Total CAN frames read from the SocketCAN mirror interface.",
	})
	MirrorTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_mirror_tx_frames_total",
		Help: "Total CAN frames written to the SocketCAN mirror interface.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	ControllerMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcp2515_mode",
		Help: "Last confirmed controller mode (0=configuration 1=normal 2=listen 3=sleep 4=loopback).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (invalid length, truncated, bad identifier).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSPI        = "spi"
	ErrRxPoll     = "rx_poll"
	ErrTx         = "can_tx"
	ErrTxOverflow = "can_tx_overflow"
	ErrTCPRead    = "tcp_read"
	ErrTCPWrite   = "tcp_write"
	ErrHandshake  = "handshake"

	ErrMirrorRead     = "mirror_read"
	ErrMirrorWrite    = "mirror_write"
	ErrMirrorOverflow = "mirror_overflow"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
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

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localSPITx     uint64
	localCANRx     uint64
	localCANTx     uint64
	localTxBusy    uint64
	localModeFail  uint64
	localTCPRx     uint64
	localTCPTx     uint64
	localMirrorRx  uint64
	localMirrorTx  uint64
	localHubDrop   uint64
	localHubKick   uint64
	localHubReject uint64
	localErrors    uint64
	localClients   uint64
	localMalformed uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SPITx      uint64
	CANRx      uint64
	CANTx      uint64
	TxBusy     uint64
	ModeFail   uint64
	TCPRx      uint64
	TCPTx      uint64
	MirrorRx   uint64
	MirrorTx   uint64
	HubDrops   uint64
	HubKicks   uint64
	HubRejects uint64
	Errors     uint64 // sum across error labels
	HubClients uint64
	Malformed  uint64
}

func Snap() Snapshot {
	return Snapshot{
		SPITx:      atomic.LoadUint64(&localSPITx),
		CANRx:      atomic.LoadUint64(&localCANRx),
		CANTx:      atomic.LoadUint64(&localCANTx),
		TxBusy:     atomic.LoadUint64(&localTxBusy),
		ModeFail:   atomic.LoadUint64(&localModeFail),
		TCPRx:      atomic.LoadUint64(&localTCPRx),
		TCPTx:      atomic.LoadUint64(&localTCPTx),
		MirrorRx:   atomic.LoadUint64(&localMirrorRx),
		MirrorTx:   atomic.LoadUint64(&localMirrorTx),
		HubDrops:   atomic.LoadUint64(&localHubDrop),
		HubKicks:   atomic.LoadUint64(&localHubKick),
		HubRejects: atomic.LoadUint64(&localHubReject),
		Errors:     atomic.LoadUint64(&localErrors),
		HubClients: atomic.LoadUint64(&localClients),
		Malformed:  atomic.LoadUint64(&localMalformed),
	}
}

func IncSPITx() {
	SPITransactions.Inc()
	atomic.AddUint64(&localSPITx, 1)
}

func IncCANRx() {
	CANRxFrames.Inc()
	atomic.AddUint64(&localCANRx, 1)
}

func IncCANTx() {
	CANTxFrames.Inc()
	atomic.AddUint64(&localCANTx, 1)
}

func IncTxBusy() {
	TxBusy.Inc()
	atomic.AddUint64(&localTxBusy, 1)
}

func IncModeFail() {
	ModeFailures.Inc()
	atomic.AddUint64(&localModeFail, 1)
}

// SetMode records the last confirmed controller mode.
func SetMode(m int) { ControllerMode.Set(float64(m)) }

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncMirrorRx() {
	MirrorRxFrames.Inc()
	atomic.AddUint64(&localMirrorRx, 1)
}

func IncMirrorTx() {
	MirrorTxFrames.Inc()
	atomic.AddUint64(&localMirrorTx, 1)
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localClients, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrSPI, ErrRxPoll, ErrTx, ErrTxOverflow,
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrMirrorRead, ErrMirrorWrite, ErrMirrorOverflow,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
