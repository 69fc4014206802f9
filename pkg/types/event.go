package types

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"
)

// Event is a single committed store mutation. Events are immutable once
// published; consumers must not modify Object.
type Event struct {
	// Kind is the resource name of the mutated object
	Kind string

	Type   watch.EventType
	Object *unstructured.Unstructured

	// ResourceVersion is the post-mutation version of Object
	ResourceVersion int64
}

// Namespace returns the namespace of the event's object
func (e Event) Namespace() string {
	if e.Object == nil {
		return ""
	}
	return e.Object.GetNamespace()
}
