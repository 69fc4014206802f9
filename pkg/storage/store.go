package storage

import (
	"context"

	"github.com/cuemby/burrow/pkg/types"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// PatchType selects how a patch document is applied
type PatchType string

const (
	// MergePatch is RFC 7386: null removes a key, objects merge recursively
	MergePatch PatchType = "merge"
	// JSONPatch is RFC 6902: an ordered list of operations
	JSONPatch PatchType = "json"
)

// Store is the resource store. Every kind obeys the same contract; kind
// specific lifecycle differences come from types.KindInfo.
type Store interface {
	Create(ctx context.Context, kind, namespace string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	Get(ctx context.Context, kind, namespace, name string) (*unstructured.Unstructured, error)
	// List returns resources ordered by resourceVersion. The list's
	// resourceVersion is the kind's high-water mark.
	List(ctx context.Context, kind, namespace string) (*unstructured.UnstructuredList, error)
	Update(ctx context.Context, kind, namespace, name string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	Patch(ctx context.Context, kind, namespace, name string, pt PatchType, patch []byte) (*unstructured.Unstructured, error)
	Delete(ctx context.Context, kind, namespace, name string, pre *metav1.Preconditions) (*unstructured.Unstructured, error)

	// ResourceVersions returns the current high-water mark of every kind
	ResourceVersions() (map[string]int64, error)

	Close() error
}

// EventSink receives change events after their mutation has committed
type EventSink interface {
	Publish(ev types.Event)
}
