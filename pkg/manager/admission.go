package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/reconciler"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// ClusterIPNone marks a headless service
const ClusterIPNone = "None"

// admissionStore applies built-in defaults on top of the resource store:
// pods start Pending, namespaces start Active with the kubernetes finalizer,
// and services get a cluster IP, TCP ports and an empty Endpoints object.
type admissionStore struct {
	storage.Store

	ips    *IPAllocator
	logger zerolog.Logger
}

func newAdmissionStore(store storage.Store, ips *IPAllocator) *admissionStore {
	return &admissionStore{
		Store:  store,
		ips:    ips,
		logger: log.WithComponent("admission"),
	}
}

// Create defaults obj by kind before storing it
func (s *admissionStore) Create(ctx context.Context, kind, namespace string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	switch kind {
	case types.ResourcePods:
		obj = obj.DeepCopy()
		defaultPod(obj)
	case types.ResourceNamespaces:
		obj = obj.DeepCopy()
		defaultNamespace(obj)
	case types.ResourceServices:
		return s.createService(ctx, namespace, obj)
	}
	return s.Store.Create(ctx, kind, namespace, obj)
}

// serviceUpdate keeps spec.clusterIP fixed once assigned. A replacement
// that omits it (or a patch that nulls it) keeps the stored address; any
// other value is rejected.
func serviceUpdate(kind string, current, next *unstructured.Unstructured) error {
	if kind != types.ResourceServices {
		return nil
	}
	have, _, _ := unstructured.NestedString(current.Object, "spec", "clusterIP")
	want, _, _ := unstructured.NestedString(next.Object, "spec", "clusterIP")
	switch {
	case have == "" || want == have:
		return nil
	case want == "":
		if err := unstructured.SetNestedField(next.Object, have, "spec", "clusterIP"); err != nil {
			return apierrors.NewBadRequest(fmt.Sprintf("invalid service spec: %v", err))
		}
		return nil
	default:
		return apierrors.NewInvalid(schema.GroupKind{Kind: "Service"}, current.GetName(), field.ErrorList{
			field.Invalid(field.NewPath("spec", "clusterIP"), want, "field is immutable"),
		})
	}
}

// Delete releases a deleted service's cluster IP
func (s *admissionStore) Delete(ctx context.Context, kind, namespace, name string, pre *metav1.Preconditions) (*unstructured.Unstructured, error) {
	obj, err := s.Store.Delete(ctx, kind, namespace, name, pre)
	if err != nil {
		return nil, err
	}
	if kind == types.ResourceServices {
		if ip, _, _ := unstructured.NestedString(obj.Object, "spec", "clusterIP"); ip != "" && ip != ClusterIPNone {
			s.ips.Release(ip)
			s.logger.Debug().Str("namespace", namespace).Str("name", name).Str("cluster_ip", ip).Msg("Released cluster IP")
		}
	}
	return obj, nil
}

func (s *admissionStore) createService(ctx context.Context, namespace string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	obj = obj.DeepCopy()
	if err := defaultServicePorts(obj); err != nil {
		return nil, err
	}

	ip, _, _ := unstructured.NestedString(obj.Object, "spec", "clusterIP")
	allocated := ""
	switch ip {
	case ClusterIPNone:
	case "":
		next, err := s.ips.Allocate()
		if err != nil {
			return nil, apierrors.NewInternalError(fmt.Errorf("failed to allocate cluster IP: %w", err))
		}
		allocated = next
		if err := unstructured.SetNestedField(obj.Object, next, "spec", "clusterIP"); err != nil {
			s.ips.Release(next)
			return nil, apierrors.NewBadRequest(fmt.Sprintf("invalid service spec: %v", err))
		}
	default:
		if err := s.ips.Reserve(ip); err != nil {
			return nil, invalidClusterIP(obj.GetName(), ip, err)
		}
		allocated = ip
	}
	if _, found, _ := unstructured.NestedString(obj.Object, "spec", "type"); !found {
		unstructured.SetNestedField(obj.Object, "ClusterIP", "spec", "type")
	}

	created, err := s.Store.Create(ctx, types.ResourceServices, namespace, obj)
	if err != nil {
		if allocated != "" {
			s.ips.Release(allocated)
		}
		return nil, err
	}

	ep := reconciler.NewEndpoints(namespace, created.GetName())
	if _, err := s.Store.Create(ctx, types.ResourceEndpoints, namespace, ep); err != nil && !apierrors.IsAlreadyExists(err) {
		// The endpoints controller creates it on its next pass
		s.logger.Warn().Err(err).Str("namespace", namespace).Str("name", created.GetName()).Msg("Failed to create endpoints")
	}
	return created, nil
}

func invalidClusterIP(name, ip string, err error) error {
	reason := err.Error()
	if errors.Is(err, ErrAllocated) {
		reason = "provided IP is already allocated"
	}
	return apierrors.NewInvalid(schema.GroupKind{Kind: "Service"}, name, field.ErrorList{
		field.Invalid(field.NewPath("spec", "clusterIP"), ip, reason),
	})
}

func defaultPod(obj *unstructured.Unstructured) {
	if phase := types.PodPhase(obj); phase == "" {
		unstructured.SetNestedField(obj.Object, types.PodPending, "status", "phase")
	}
}

func defaultNamespace(obj *unstructured.Unstructured) {
	if phase, _, _ := unstructured.NestedString(obj.Object, "status", "phase"); phase == "" {
		unstructured.SetNestedField(obj.Object, types.NamespaceActive, "status", "phase")
	}
	if !types.HasFinalizer(obj, types.FinalizerKubernetes) {
		obj.SetFinalizers(append(obj.GetFinalizers(), types.FinalizerKubernetes))
	}
}

func defaultServicePorts(obj *unstructured.Unstructured) error {
	ports, found, err := unstructured.NestedSlice(obj.Object, "spec", "ports")
	if err != nil {
		return apierrors.NewBadRequest(fmt.Sprintf("invalid spec.ports: %v", err))
	}
	if !found {
		return nil
	}
	for i, p := range ports {
		port, ok := p.(map[string]interface{})
		if !ok {
			return apierrors.NewBadRequest(fmt.Sprintf("invalid spec.ports[%d]: not an object", i))
		}
		if proto, _ := port["protocol"].(string); proto == "" {
			port["protocol"] = "TCP"
		}
	}
	return unstructured.SetNestedSlice(obj.Object, ports, "spec", "ports")
}
