package monitor

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elm_commands_total",
			Help: "Commands completed by the scheduler, by outcome",
		},
		[]string{"result"}, // ok, timeout, stale, write_error, flushed
	)

	CommandLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "elm_command_latency_seconds",
		Help:    "Time from transport write to complete response",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.35, 0.5, 1, 1.5},
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "elm_queue_depth",
		Help: "Commands waiting for the transport",
	})

	// Transport
	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "elm_bytes_received_total",
		Help: "Raw bytes delivered by the transport notify stream",
	})

	Disconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "elm_unexpected_disconnects_total",
		Help: "Transport losses not requested by the client",
	})

	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "elm_connection_state",
		Help: "0=disconnected 1=connecting 2=initializing 3=connected 4=error",
	})

	// Poller
	PollLoops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "elm_poll_loops_total",
		Help: "Completed telemetry polling loops",
	})
)

// Outcome labels for CommandsTotal.
const (
	ResultOK         = "ok"
	ResultTimeout    = "timeout"
	ResultStale      = "stale"
	ResultWriteError = "write_error"
	ResultFlushed    = "flushed"
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CommandsTotal,
			CommandLatency,
			QueueDepth,
			BytesReceived,
			Disconnects,
			ConnectionState,
			PollLoops,
		)
	})
}

// Handler serves the default registry; Register must have been called.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
