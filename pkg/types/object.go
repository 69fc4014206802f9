package types

import (
	"fmt"
	"strconv"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// ParseResourceVersion converts the wire form of a resourceVersion. The
// empty string parses as 0.
func ParseResourceVersion(rv string) (int64, error) {
	if rv == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(rv, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid resourceVersion %q", rv)
	}
	return v, nil
}

// FormatResourceVersion converts a resourceVersion to its wire form
func FormatResourceVersion(rv int64) string {
	return strconv.FormatInt(rv, 10)
}

// ResourceVersionOf returns the parsed resourceVersion of obj, or 0
func ResourceVersionOf(obj *unstructured.Unstructured) int64 {
	v, _ := ParseResourceVersion(obj.GetResourceVersion())
	return v
}

// IsTerminating reports whether obj has been marked for deletion
func IsTerminating(obj *unstructured.Unstructured) bool {
	return obj.GetDeletionTimestamp() != nil
}

// PodPhase returns status.phase of a pod document
func PodPhase(pod *unstructured.Unstructured) string {
	phase, _, _ := unstructured.NestedString(pod.Object, "status", "phase")
	return phase
}

// PodIP returns status.podIP of a pod document
func PodIP(pod *unstructured.Unstructured) string {
	ip, _, _ := unstructured.NestedString(pod.Object, "status", "podIP")
	return ip
}

// HasFinalizer reports whether obj carries the named finalizer
func HasFinalizer(obj *unstructured.Unstructured, name string) bool {
	for _, f := range obj.GetFinalizers() {
		if f == name {
			return true
		}
	}
	return false
}

// RemoveFinalizer drops the named finalizer from obj
func RemoveFinalizer(obj *unstructured.Unstructured, name string) {
	var kept []string
	for _, f := range obj.GetFinalizers() {
		if f != name {
			kept = append(kept, f)
		}
	}
	obj.SetFinalizers(kept)
}

// ControllerUID returns the uid of obj's controlling owner, if any
func ControllerUID(obj *unstructured.Unstructured) string {
	for _, ref := range obj.GetOwnerReferences() {
		if ref.Controller != nil && *ref.Controller {
			return string(ref.UID)
		}
	}
	return ""
}
