// Package export contains the optional export surfaces of the profiler:
// Prometheus self-metrics and the ClickHouse record writer. All of them
// are disabled by default; a profiler with no export configuration
// produces nothing but the output file.
package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthConfig configures the Prometheus self-metrics server.
type HealthConfig struct {
	// Enabled enables the metrics server. The profiler is fully silent
	// unless this is set.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address for the metrics server.
	// Defaults to ":9090" when enabled.
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for the profiler's own
// health. None of these are touched on the hook hot path; they move
// only when a thread flushes or an export batch completes.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	ThreadsStarted prometheus.Counter
	ThreadsFlushed prometheus.Counter
	ThreadsEmpty   prometheus.Counter
	RecordsWritten prometheus.Counter
	CallsObserved  prometheus.Counter
	FlushErrors    prometheus.Counter

	ExportBatchErrors   *prometheus.CounterVec // exporter
	ExportBatchDuration *prometheus.HistogramVec
	ClickHouseConnected prometheus.Gauge

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		ThreadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "calltally",
			Name:      "threads_started_total",
			Help:      "Total thread handles created.",
		}),
		ThreadsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "calltally",
			Name:      "threads_flushed_total",
			Help:      "Total thread handles that flushed a non-empty map.",
		}),
		ThreadsEmpty: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "calltally",
			Name:      "threads_empty_total",
			Help:      "Total thread handles closed without any recorded calls.",
		}),
		RecordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "calltally",
			Name:      "records_written_total",
			Help:      "Total output records handed to the writer.",
		}),
		CallsObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "calltally",
			Name:      "calls_observed_total",
			Help:      "Total function entries across all flushed threads.",
		}),
		FlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "calltally",
			Name:      "flush_errors_total",
			Help:      "Total flush bursts lost to write failures.",
		}),
		ExportBatchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "calltally",
				Name:      "export_batch_errors_total",
				Help:      "Total export batch errors by exporter.",
			},
			[]string{"exporter"},
		),
		ExportBatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "calltally",
				Name:      "export_batch_duration_seconds",
				Help:      "Time to write an export batch by exporter.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}, // 1ms-1s
			},
			[]string{"exporter"},
		),
		ClickHouseConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "calltally",
			Name:      "clickhouse_connected",
			Help:      "Whether the ClickHouse connection is established (1=yes, 0=no).",
		}),
	}

	reg.MustRegister(
		h.ThreadsStarted,
		h.ThreadsFlushed,
		h.ThreadsEmpty,
		h.RecordsWritten,
		h.CallsObserved,
		h.FlushErrors,
		h.ExportBatchErrors,
		h.ExportBatchDuration,
		h.ClickHouseConnected,
	)

	return h
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// pprof endpoints for profiling the profiler itself.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
