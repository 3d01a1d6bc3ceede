// Package metrics exposes live engine counters in Prometheus format while a
// session runs. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chaosq/internal/monitor"
)

const namespace = "chaosq"

// Snapshotter is the monitor accessor the resource gauges read through.
type Snapshotter interface {
	Latest() (monitor.Snapshot, bool)
}

type Metrics struct {
	reg *prometheus.Registry

	operations    *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	checkpoint    *prometheus.GaugeVec
	poolSize      prometheus.Gauge
	phaseStatus   *prometheus.CounterVec
}

// New registers every metric on a private registry. snap may be nil.
func New(snap Snapshotter) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Connect and send operations by phase and outcome.",
		}, []string{"phase", "outcome"}),
		batchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"phase"}),
		checkpoint: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_rate",
			Help:      "Operations per second over the latest checkpoint window.",
		}, []string{"phase"}),
		poolSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_connections",
			Help:      "Connections currently held in the pool.",
		}),
		phaseStatus: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phases_total",
			Help:      "Finished phases by status.",
		}, []string{"phase", "status"}),
	}

	if snap != nil {
		resource := func(name, help string, read func(monitor.Snapshot) float64) {
			f.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "resource",
				Name:      name,
				Help:      help,
			}, func() float64 {
				s, ok := snap.Latest()
				if !ok {
					return 0
				}
				return read(s)
			})
		}
		resource("system_cpu_percent", "Host CPU utilisation.", func(s monitor.Snapshot) float64 { return s.SystemCPUPercent })
		resource("system_memory_used_mb", "Host memory in use.", func(s monitor.Snapshot) float64 { return s.SystemMemoryUsedMB })
		resource("target_cpu_percent", "Target process CPU.", func(s monitor.Snapshot) float64 { return s.TargetCPUPercent })
		resource("target_memory_mb", "Target process RSS.", func(s monitor.Snapshot) float64 { return s.TargetMemoryMB })
		resource("target_open_files", "Target process open files.", func(s monitor.Snapshot) float64 { return float64(s.OpenFiles) })
		resource("target_port_connections", "Sockets on the target port.", func(s monitor.Snapshot) float64 { return float64(s.PortConnections) })
	}
	return m
}

func (m *Metrics) RecordBatch(phase string, succeeded, failed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(phase, "success").Add(float64(succeeded))
	m.operations.WithLabelValues(phase, "failure").Add(float64(failed))
	m.batchDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
}

func (m *Metrics) SetCheckpointRate(phase string, rate float64) {
	if m == nil {
		return
	}
	m.checkpoint.WithLabelValues(phase).Set(rate)
}

func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.poolSize.Set(float64(n))
}

func (m *Metrics) PhaseFinished(phase, status string) {
	if m == nil {
		return
	}
	m.phaseStatus.WithLabelValues(phase, status).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
