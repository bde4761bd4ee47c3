// Package metrics publishes the Prometheus gauges/counters/histograms the
// external observability collaborator mounts at GET /metrics; this repo
// only publishes values.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ServicesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cogsled_services_by_status",
			Help: "Number of services currently in each lifecycle status",
		},
		[]string{"status"},
	)

	ServiceRAMBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cogsled_service_ram_bytes",
			Help: "Current attributed RAM usage per service",
		},
		[]string{"service"},
	)

	ServiceVRAMBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cogsled_service_vram_bytes",
			Help: "Current attributed VRAM usage per service",
		},
		[]string{"service"},
	)

	ServiceConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cogsled_service_connections",
			Help: "Live connection count per service",
		},
		[]string{"service"},
	)

	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cogsled_allocations_total",
			Help: "Total Allocator decisions by outcome",
		},
		[]string{"outcome"}, // "granted" | "resource_exhausted"
	)

	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cogsled_evictions_total",
			Help: "Total services evicted by the Allocator, by device kind",
		},
		[]string{"device_kind"}, // "cpu" | "gpu"
	)

	LifecycleStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cogsled_lifecycle_start_duration_seconds",
			Help:    "Time from STOPPED to RUNNING, including allocation and health polling",
			Buckets: prometheus.DefBuckets,
		},
	)

	LifecycleStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cogsled_lifecycle_stop_duration_seconds",
			Help:    "Time spent draining connections and stopping the container",
			Buckets: prometheus.DefBuckets,
		},
	)

	BootTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cogsled_boot_timeouts_total",
			Help: "Total number of services that never reported healthy within max_boot_time",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cogsled_reconciliation_duration_seconds",
			Help:    "Duration of one Monitor Loop tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cogsled_reconciliation_cycles_total",
			Help: "Total number of completed Monitor Loop ticks",
		},
	)

	ContainersGarbageCollected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cogsled_containers_garbage_collected_total",
			Help: "Total unregistered ca_-prefixed containers force-removed by the Monitor Loop",
		},
	)

	IdleReapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cogsled_idle_reaps_total",
			Help: "Total services stopped by the Monitor Loop for being idle past idle_timeout",
		},
	)

	DispatcherRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cogsled_dispatcher_requests_total",
			Help: "Total proxied requests by service and response status class",
		},
		[]string{"service", "status"},
	)

	DispatcherRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cogsled_dispatcher_request_duration_seconds",
			Help:    "End-to-end proxied request duration, including any ensure_running wait",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	MemoryProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cogsled_memory_probe_duration_seconds",
			Help:    "Time spent refreshing a Memory Probe snapshot on a cache miss",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2},
		},
		[]string{"kind"}, // "system_ram" | "system_vram" | "process_ram" | "process_vram"
	)
)

func init() {
	prometheus.MustRegister(
		ServicesByStatus,
		ServiceRAMBytes,
		ServiceVRAMBytes,
		ServiceConnections,
		AllocationsTotal,
		EvictionsTotal,
		LifecycleStartDuration,
		LifecycleStopDuration,
		BootTimeouts,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ContainersGarbageCollected,
		IdleReapsTotal,
		DispatcherRequestsTotal,
		DispatcherRequestDuration,
		MemoryProbeDuration,
	)
}

// Handler returns the Prometheus HTTP handler mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
