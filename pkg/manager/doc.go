/*
Package manager assembles the burrow control plane.

A Manager is created once at startup and passed explicitly to the API
server; it owns every piece of shared state:

	┌──────────────────────── Manager ────────────────────────┐
	│                                                          │
	│  admission ──▶ BoltStore ──commit──▶ Bus ──▶ watchers    │
	│  (defaults)        ▲                                     │
	│                    │ read-compute-write                  │
	│  Runners: endpoints, namespace, replicaset, deployment   │
	│  PodDialer (port-forward backends)                       │
	│  MetricsCollector                                        │
	└──────────────────────────────────────────────────────────┘

NewManager opens the store, seeds the bus with the stored high-water marks
so the first event after a restart is delivered in order, rebuilds the
cluster IP allocator from the stored Services and creates the default,
kube-system and kube-public namespaces.

# Defaults

Store returns the store wrapped with built-in defaults:

  - Pods start with status.phase=Pending.
  - Namespaces start Active and carry the kubernetes finalizer, released by
    the namespace controller once their contents are gone.
  - Services get a cluster IP from the service range (10.96.0.10 through
    10.96.0.249 by default) unless one is set or clusterIP is None. Ports
    default to TCP, and an empty controller-managed Endpoints object is
    created alongside. Deleting a Service releases its IP.

# Lifecycle

	mgr, err := manager.NewManager(&manager.Config{DataDir: dir})
	if err != nil {
		return err
	}
	defer mgr.Shutdown()

	err = mgr.Run(ctx) // blocks until ctx is cancelled

Run fails only when a controller cannot complete its first pass.
*/
package manager
