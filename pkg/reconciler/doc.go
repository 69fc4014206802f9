/*
Package reconciler implements burrow's controllers.

A controller derives one kind of state from others with a read-compute-write
pass over the store. A Runner drives each controller on a fixed interval, so
staleness is bounded by the interval and no watch plumbing is involved:

	Idle ──tick──▶ Reconcile ──▶ Idle

The first pass runs immediately. If it cannot even list its inputs the
Runner returns the error, which the caller treats as fatal. After that the
loop only ends with its context; failed passes are logged and retried on the
next tick.

# Controllers

	endpoints-controller    Services × Pods → Endpoints
	namespace-controller    terminating Namespaces → content deletion, finalizer release
	replicaset-controller   ReplicaSets → Pods
	deployment-controller   Deployments → ReplicaSets

Failures are isolated per item. A malformed selector or a store error while
handling one Service is logged with the Service's identity, counted in
burrow_reconcile_errors_total and skipped; the rest of the pass continues.

# Endpoints

Endpoints are recomputed from scratch on every pass and written wholesale,
even when nothing changed. A pod backs a Service when it is Running, has a
podIP, is not terminating and its labels contain every selector pair:

	svc := {selector: {app: web}}
	pods:  a {app: web} Running 10.0.0.3   ✓
	       b {app: web} Pending            ✗
	       c {app: db}  Running 10.0.0.4   ✗
	endpoints/svc.subsets = [{addresses: [10.0.0.3], ports: [...]}]

Endpoints created by the controller carry burrow.io/managed-by and are
deleted once their Service is gone.
*/
package reconciler
