package types

import (
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Resource names (plural path segments) for the built-in kinds
const (
	ResourceNamespaces      = "namespaces"
	ResourceNodes           = "nodes"
	ResourcePods            = "pods"
	ResourceServices        = "services"
	ResourceEndpoints       = "endpoints"
	ResourceConfigMaps      = "configmaps"
	ResourceSecrets         = "secrets"
	ResourceServiceAccounts = "serviceaccounts"
	ResourceDeployments     = "deployments"
	ResourceReplicaSets     = "replicasets"
	ResourceJobs            = "jobs"
	ResourceNetworkPolicies = "networkpolicies"
	ResourceIngresses       = "ingresses"
)

// Well-known field values
const (
	PodPending   = "Pending"
	PodRunning   = "Running"
	PodSucceeded = "Succeeded"
	PodFailed    = "Failed"

	NamespaceActive      = "Active"
	NamespaceTerminating = "Terminating"

	// FinalizerKubernetes holds a namespace until its contents are gone
	FinalizerKubernetes = "kubernetes"

	// LabelManagedBy marks objects owned by a controller
	LabelManagedBy = "burrow.io/managed-by"

	// LabelPodTemplateHash ties replicasets and pods to a deployment revision
	LabelPodTemplateHash = "pod-template-hash"
)

// KindInfo describes how a resource kind is addressed and how the store
// treats its lifecycle.
type KindInfo struct {
	// Resource is the plural path segment, also used as the bucket name
	Resource string
	Kind     string
	Group    string
	Version  string

	Namespaced bool

	// GracefulDelete marks the kind as having finalizer semantics. Deleting
	// an object that carries finalizers only sets deletionTimestamp.
	GracefulDelete bool

	// TerminatingHoldsName keeps a terminating object's name reserved.
	// When false, a create over a terminating object purges it first.
	TerminatingHoldsName bool
}

// APIVersion returns the group/version string used in documents
func (k KindInfo) APIVersion() string {
	if k.Group == "" {
		return k.Version
	}
	return k.Group + "/" + k.Version
}

// ListKind returns the kind name of a collection of this kind
func (k KindInfo) ListKind() string {
	return k.Kind + "List"
}

// GroupResource is used when building API errors
func (k KindInfo) GroupResource() schema.GroupResource {
	return schema.GroupResource{Group: k.Group, Resource: k.Resource}
}

// GroupVersionKind returns the full type identity of the kind
func (k KindInfo) GroupVersionKind() schema.GroupVersionKind {
	return schema.GroupVersionKind{Group: k.Group, Version: k.Version, Kind: k.Kind}
}

// Registry indexes the kinds served by the control plane
type Registry struct {
	byResource map[string]KindInfo
	byKind     map[string]KindInfo
}

// NewRegistry creates a registry from the given kinds
func NewRegistry(kinds ...KindInfo) *Registry {
	r := &Registry{
		byResource: make(map[string]KindInfo, len(kinds)),
		byKind:     make(map[string]KindInfo, len(kinds)),
	}
	for _, k := range kinds {
		r.byResource[k.Resource] = k
		r.byKind[k.Kind] = k
	}
	return r
}

// DefaultRegistry returns the built-in kinds
func DefaultRegistry() *Registry {
	return NewRegistry(
		KindInfo{Resource: ResourceNamespaces, Kind: "Namespace", Version: "v1", GracefulDelete: true, TerminatingHoldsName: true},
		KindInfo{Resource: ResourceNodes, Kind: "Node", Version: "v1"},
		KindInfo{Resource: ResourcePods, Kind: "Pod", Version: "v1", Namespaced: true, GracefulDelete: true},
		KindInfo{Resource: ResourceServices, Kind: "Service", Version: "v1", Namespaced: true},
		KindInfo{Resource: ResourceEndpoints, Kind: "Endpoints", Version: "v1", Namespaced: true},
		KindInfo{Resource: ResourceConfigMaps, Kind: "ConfigMap", Version: "v1", Namespaced: true},
		KindInfo{Resource: ResourceSecrets, Kind: "Secret", Version: "v1", Namespaced: true},
		KindInfo{Resource: ResourceServiceAccounts, Kind: "ServiceAccount", Version: "v1", Namespaced: true},
		KindInfo{Resource: ResourceDeployments, Kind: "Deployment", Group: "apps", Version: "v1", Namespaced: true, GracefulDelete: true},
		KindInfo{Resource: ResourceReplicaSets, Kind: "ReplicaSet", Group: "apps", Version: "v1", Namespaced: true, GracefulDelete: true},
		KindInfo{Resource: ResourceJobs, Kind: "Job", Group: "batch", Version: "v1", Namespaced: true},
		KindInfo{Resource: ResourceNetworkPolicies, Kind: "NetworkPolicy", Group: "networking.k8s.io", Version: "v1", Namespaced: true},
		KindInfo{Resource: ResourceIngresses, Kind: "Ingress", Group: "networking.k8s.io", Version: "v1", Namespaced: true},
	)
}

// Lookup finds a kind by its resource name
func (r *Registry) Lookup(resource string) (KindInfo, bool) {
	k, ok := r.byResource[resource]
	return k, ok
}

// LookupGroup finds a kind by resource name and checks it is served under
// the given group and version.
func (r *Registry) LookupGroup(group, version, resource string) (KindInfo, bool) {
	k, ok := r.byResource[resource]
	if !ok || k.Group != group || k.Version != version {
		return KindInfo{}, false
	}
	return k, true
}

// ForKind finds a kind by its Kind name (e.g. "Pod")
func (r *Registry) ForKind(kind string) (KindInfo, bool) {
	k, ok := r.byKind[kind]
	return k, ok
}

// All returns every registered kind sorted by resource name
func (r *Registry) All() []KindInfo {
	kinds := make([]KindInfo, 0, len(r.byResource))
	for _, k := range r.byResource {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Resource < kinds[j].Resource })
	return kinds
}

// Namespaced returns the namespaced kinds sorted by resource name
func (r *Registry) Namespaced() []KindInfo {
	var kinds []KindInfo
	for _, k := range r.All() {
		if k.Namespaced {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Resolve finds a kind by resource name, singular or Kind name, ignoring
// case, so "pods", "pod" and "Pod" all name the same kind.
func (r *Registry) Resolve(name string) (KindInfo, bool) {
	if k, ok := r.byResource[name]; ok {
		return k, true
	}
	for _, k := range r.All() {
		if strings.EqualFold(name, k.Resource) || strings.EqualFold(name, k.Kind) {
			return k, true
		}
	}
	return KindInfo{}, false
}
