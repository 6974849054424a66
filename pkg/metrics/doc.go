/*
Package metrics exports keel's Prometheus metrics and health endpoints.

# Metrics

All metrics are registered on the default Prometheus registry at init and
served by Handler on /metrics.

	State (gauges, refreshed by Collector):
	  keel_hosts_total{status}
	  keel_services_total{state}
	  keel_daemons_total{daemon_type,status}
	  keel_health_check_active{check}
	  keel_raft_is_leader, keel_raft_peers_total,
	  keel_raft_log_index, keel_raft_applied_index

	Reconciliation (updated by the loop):
	  keel_reconcile_duration_seconds
	  keel_reconcile_passes_total
	  keel_host_refresh_total{result}
	  keel_daemon_operations_total{op,result}
	  keel_placement_latency_seconds

	API:
	  keel_api_requests_total{method,status}

Durations are measured with Timer:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

# Health

HealthChecker combines two kinds of signal. Components (storage, reconciler)
report whether a part of the process works; an unhealthy component makes
/health answer 503. Cluster health checks such as HOST_OFFLINE or
FAILED_DAEMON describe the fleet; they mark the process "degraded" but keep
/health at 200, since the control plane itself is fine.

	/health  overall status, components and active checks
	/ready   503 until every critical component is registered and healthy
	/live    always 200 while the process runs
*/
package metrics
