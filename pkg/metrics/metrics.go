package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory and state metrics
	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keel_hosts_total",
			Help: "Total number of hosts by status",
		},
		[]string{"status"},
	)

	ServicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keel_services_total",
			Help: "Total number of service specs by state",
		},
		[]string{"state"},
	)

	DaemonsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keel_daemons_total",
			Help: "Total number of observed daemons by type and status",
		},
		[]string{"daemon_type", "status"},
	)

	HealthChecksActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keel_health_check_active",
			Help: "Active health checks (value is the number of affected entities)",
		},
		[]string{"check"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keel_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keel_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keel_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keel_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// Reconciliation metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keel_reconcile_duration_seconds",
			Help:    "Time taken by one reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcilePassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keel_reconcile_passes_total",
			Help: "Total number of reconciliation passes",
		},
	)

	HostRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keel_host_refresh_total",
			Help: "Total number of host refreshes by result",
		},
		[]string{"result"},
	)

	DaemonOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keel_daemon_operations_total",
			Help: "Total number of daemon operations by operation and result",
		},
		[]string{"op", "result"},
	)

	PlacementLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keel_placement_latency_seconds",
			Help:    "Time taken to compute a service placement in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keel_api_requests_total",
			Help: "Total number of orchestrator API calls by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(DaemonsTotal)
	prometheus.MustRegister(HealthChecksActive)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcilePassesTotal)
	prometheus.MustRegister(HostRefreshTotal)
	prometheus.MustRegister(DaemonOpsTotal)
	prometheus.MustRegister(PlacementLatency)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on o
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on the labelled series of v
func (t *Timer) ObserveDurationVec(v *prometheus.HistogramVec, labels ...string) {
	v.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// Result returns the label value for an operation outcome
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
