// Package metrics exposes the runtime's Prometheus surface. Grounded on the
// teacher's pkg/metrics/metrics.go: same Timer helper and promhttp.Handler
// wiring, with the cluster/raft/ingress metric families replaced by ones
// keyed on Application, Execution, dispatcher, and reconciler activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ApplicationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vea_applications_total",
			Help: "Number of Applications in the catalog by status",
		},
		[]string{"status"},
	)

	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vea_executions_total",
			Help: "Total number of Executions started, by terminal state",
		},
		[]string{"state"},
	)

	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vea_container_create_duration_seconds",
			Help:    "Time taken to create a container",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vea_container_start_duration_seconds",
			Help:    "Time taken to start a container",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vea_container_stop_duration_seconds",
			Help:    "Time taken to stop a container",
			Buckets: prometheus.DefBuckets,
		},
	)

	DependencyInstallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vea_dependency_install_duration_seconds",
			Help:    "Time taken to resolve a declared dependency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"ecosystem", "status"},
	)

	DispatcherRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vea_dispatcher_requests_total",
			Help: "Total number of dispatcher requests by type and status",
		},
		[]string{"type", "status"},
	)

	DispatcherRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vea_dispatcher_request_duration_seconds",
			Help:    "Dispatcher request duration in seconds by type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	DispatcherClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vea_dispatcher_clients_connected",
			Help: "Number of currently connected dispatcher clients",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vea_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vea_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconciliationOrphansRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vea_reconciliation_orphans_removed_total",
			Help: "Total number of orphan containers removed by the reconciler",
		},
	)

	ReconciliationCorrectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vea_reconciliation_corrections_total",
			Help: "Total number of Application status corrections made by the reconciler",
		},
		[]string{"from", "to"},
	)

	SignalSubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vea_signal_subscriptions_active",
			Help: "Number of active Signal Gateway subscriptions",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ApplicationsTotal,
		ExecutionsTotal,
		ContainerCreateDuration,
		ContainerStartDuration,
		ContainerStopDuration,
		DependencyInstallDuration,
		DispatcherRequestsTotal,
		DispatcherRequestDuration,
		DispatcherClientsConnected,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ReconciliationOrphansRemovedTotal,
		ReconciliationCorrectionsTotal,
		SignalSubscriptionsActive,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the Timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
