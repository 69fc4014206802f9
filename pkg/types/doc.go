/*
Package types defines the shared vocabulary of burrow: the kind registry,
change events, and the domain error taxonomy.

# Resources

Every resource is a generic structured document carried as an
*unstructured.Unstructured. The store and the API never decode a kind into a
typed struct; kind-specific behaviour (pod phase, namespace finalizers,
service selectors) reads fields with the unstructured Nested* helpers.

# Kinds

A KindInfo names a kind (resource, Kind, group, version) and carries the
policy flags the store applies uniformly:

	Namespaced            namespace is part of the identity
	GracefulDelete        delete marks deletionTimestamp when finalizers exist
	TerminatingHoldsName  a terminating object blocks re-creation of its name

DefaultRegistry returns the built-in kinds. Namespaces hold their name while
terminating; pods, replicasets and deployments release it so a replacement
can be created right away.

# Errors

NotFound, AlreadyExists, Conflict and Expired are apimachinery StatusErrors
so callers can use apierrors.IsNotFound and friends, and the API layer can
render them directly as metav1.Status. InvalidSelector, BackendUnavailable and
ProtocolError are sentinels wrapped with context.
*/
package types
