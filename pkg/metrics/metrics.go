package metrics

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/logging"
	"github.com/core-tools/hsu-governor/pkg/resourcelimits"
)

const namespace = "hsu_governor"

// Metrics holds the Prometheus collectors fed by finished accounting cycles.
type Metrics struct {
	registry *prometheus.Registry

	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	processes     *prometheus.CounterVec
	kills         *prometheus.CounterVec
	consumed      *prometheus.CounterVec
	tracked       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them, together with the
// Go runtime and process collectors, in a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of completed accounting cycles",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of accounting cycles",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		processes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_total",
			Help:      "Processes seen by accounting cycles, by outcome",
		}, []string{"outcome"}),
		kills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kills_total",
			Help:      "Termination attempts by reason and result",
		}, []string{"reason", "result"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_rules_total",
			Help:      "Consumed rule budgets detected, by limit type",
		}, []string{"limit"}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_processes",
			Help:      "Processes currently tracked across all users",
		}),
	}

	m.registry.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.processes,
		m.kills,
		m.consumed,
		m.tracked,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records one finished cycle. It matches resourcelimits.CycleCallback.
func (m *Metrics) Observe(report *resourcelimits.CycleReport) {
	if m == nil || report == nil {
		return
	}

	m.cycles.Inc()
	m.cycleDuration.Observe(report.Duration.Seconds())

	m.processes.WithLabelValues("seen").Add(float64(report.Seen))
	m.processes.WithLabelValues("filtered").Add(float64(report.Filtered))
	m.processes.WithLabelValues("attributed").Add(float64(report.Attributed))
	m.processes.WithLabelValues("unmatched").Add(float64(report.Unmatched))
	m.processes.WithLabelValues("collected").Add(float64(report.Collected))

	for _, kill := range report.Kills {
		result := "ok"
		if kill.Err != nil {
			result = "failed"
		}
		m.kills.WithLabelValues(string(kill.Reason), result).Inc()
	}
	for _, violation := range report.Violations {
		m.consumed.WithLabelValues(string(violation.LimitType)).Inc()
	}

	m.tracked.Set(float64(report.Tracked))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on address until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, address string, logger logging.Logger) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.NewNetworkError("failed to listen for metrics", err).WithContext("address", address)
	}
	return m.serveListener(ctx, listener, logger)
}

func (m *Metrics) serveListener(ctx context.Context, listener net.Listener, logger logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Infof("Metrics available at http://%s/metrics", listener.Addr())
	if err := server.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.NewNetworkError("metrics server failed", err)
	}
	return nil
}
