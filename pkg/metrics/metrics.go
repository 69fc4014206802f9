package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Resource metrics
	ResourcesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_resources_total",
			Help: "Total number of stored resources by kind",
		},
		[]string{"kind"},
	)

	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_store_operations_total",
			Help: "Total number of store mutations by kind, operation and result",
		},
		[]string{"kind", "op", "result"},
	)

	ClusterIPsAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_cluster_ips_allocated",
			Help: "Number of service cluster IPs in use",
		},
	)

	// Watch metrics
	WatchersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_watchers_active",
			Help: "Number of open watch subscriptions by kind",
		},
		[]string{"kind"},
	)

	WatchEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_watch_events_total",
			Help: "Total number of change events published by kind and type",
		},
		[]string{"kind", "type"},
	)

	WatchOverflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_watch_overflows_total",
			Help: "Total number of watchers disconnected because their queue was full",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_api_requests_total",
			Help: "Total number of API requests by method and status code",
		},
		[]string{"method", "code"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Reconciliation metrics
	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_reconcile_duration_seconds",
			Help:    "Time taken for one reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"controller"},
	)

	ReconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_reconcile_errors_total",
			Help: "Total number of per-item reconciliation failures",
		},
		[]string{"controller"},
	)

	// Port-forward metrics
	PortForwardSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_portforward_sessions_active",
			Help: "Number of open port-forward sessions",
		},
	)

	PortForwardBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_portforward_bytes_total",
			Help: "Total bytes relayed by port-forward sessions by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ResourcesTotal)
	prometheus.MustRegister(StoreOperationsTotal)
	prometheus.MustRegister(ClusterIPsAllocated)
	prometheus.MustRegister(WatchersActive)
	prometheus.MustRegister(WatchEventsTotal)
	prometheus.MustRegister(WatchOverflowsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileErrorsTotal)
	prometheus.MustRegister(PortForwardSessionsActive)
	prometheus.MustRegister(PortForwardBytesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
