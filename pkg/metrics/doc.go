/*
Package metrics provides Prometheus metrics and component health reporting
for burrow.

All metrics are package-level collectors registered with the default
registry in init, and exposed by Handler on /metrics:

	burrow_resources_total{kind}                      gauge, refreshed by the manager
	burrow_cluster_ips_allocated                      service IPs in use
	burrow_store_operations_total{kind,op,result}     store mutations
	burrow_watchers_active{kind}                      open watch subscriptions
	burrow_watch_events_total{kind,type}              published change events
	burrow_watch_overflows_total{kind}                watchers dropped for a full queue
	burrow_api_requests_total{method,code}            HTTP requests
	burrow_api_request_duration_seconds{method}       HTTP latency
	burrow_reconcile_duration_seconds{controller}     one reconciliation pass
	burrow_reconcile_errors_total{controller}         per-item reconcile failures
	burrow_portforward_sessions_active                open port-forward sessions
	burrow_portforward_bytes_total{direction}         relayed bytes

Timer measures an operation and records it in a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconcileDuration, "endpoints")

# Health

Components report their state with UpdateComponent. GetHealth summarizes
every registered component; GetReadiness is ready only once the store, the
controllers and the API server have all registered as healthy. The api
package serves both on /health and /ready.
*/
package metrics
