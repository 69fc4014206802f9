/*
Package storage provides the BoltDB-backed resource store.

Every kind lives in its own bucket, keyed by "namespace/name" (cluster-scoped
kinds use an empty namespace), with the JSON document as the value. A
_metadata bucket holds one resourceVersion counter per kind.

# Layout

	<dataDir>/burrow.db
	├── _metadata      rv/<resource> → uint64 big endian
	├── namespaces     "/default" → {...}
	├── pods           "default/web-0" → {...}
	└── ...            one bucket per registered kind

# Versioning

Every successful mutation runs in a single read-write transaction that
checks the caller's resourceVersion, increments the kind's counter and writes
the document. Because BoltDB serialises writers, two updates carrying the
same resourceVersion can never both succeed: the second sees Conflict.

	obj, _ := store.Get(ctx, "configmaps", "default", "settings")
	obj.SetLabels(map[string]string{"tier": "web"})
	_, err := store.Update(ctx, "configmaps", "default", "settings", obj)
	if apierrors.IsConflict(err) {
		// someone else wrote first: re-read and retry
	}

An empty resourceVersion on Update or Patch means "unconditional".

# Deletion

Kinds with GracefulDelete keep an object that still has finalizers: Delete
sets deletionTimestamp and reports MODIFIED. The object disappears when an
update clears its last finalizer. Whether a terminating object still reserves
its name is decided per kind by TerminatingHoldsName; when it does not, a
Create over it purges the old object first and emits DELETED then ADDED.

# Events

Change events are handed to the EventSink from the transaction's commit hook,
so an event is only ever published for durable state. Hooks run outside the
database lock and may reach the sink out of order; the watch bus restores
resourceVersion order.
*/
package storage
