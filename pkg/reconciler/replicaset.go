package reconciler

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilrand "k8s.io/apimachinery/pkg/util/rand"
)

// ReplicaSetControllerName identifies the replicaset controller
const ReplicaSetControllerName = "replicaset-controller"

var replicaSetGVK = schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "ReplicaSet"}

// ReplicaSetController keeps the number of pods owned by each ReplicaSet at
// spec.replicas and reports the observed counts in status.
type ReplicaSetController struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewReplicaSetController creates the replicaset controller
func NewReplicaSetController(store storage.Store) *ReplicaSetController {
	return &ReplicaSetController{
		store:  store,
		logger: log.WithController(ReplicaSetControllerName),
	}
}

// Name implements Controller
func (c *ReplicaSetController) Name() string {
	return ReplicaSetControllerName
}

// Reconcile implements Controller
func (c *ReplicaSetController) Reconcile(ctx context.Context) error {
	replicaSets, err := c.store.List(ctx, types.ResourceReplicaSets, "")
	if err != nil {
		return fmt.Errorf("failed to list replicasets: %w", err)
	}

	for i := range replicaSets.Items {
		rs := &replicaSets.Items[i]
		if types.IsTerminating(rs) {
			continue
		}
		if err := c.reconcileReplicaSet(ctx, rs); err != nil {
			itemFailed(c.logger, c.Name(), types.ResourceReplicaSets, rs.GetNamespace(), rs.GetName(), err, "Failed to reconcile replicaset")
		}
	}

	if err := c.collectOrphans(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Failed to collect orphaned pods")
	}
	return nil
}

func (c *ReplicaSetController) reconcileReplicaSet(ctx context.Context, rs *unstructured.Unstructured) error {
	namespace := rs.GetNamespace()

	sel, err := labelSelectorOf(rs, "spec", "selector")
	if err != nil {
		return err
	}
	template, _, _ := unstructured.NestedMap(rs.Object, "spec", "template")
	templateLabels, _, _ := unstructured.NestedStringMap(template, "metadata", "labels")
	if !sel.Matches(labels.Set(templateLabels)) {
		return fmt.Errorf("%w: selector %q does not match template labels", types.ErrInvalidSelector, sel.String())
	}
	desired := replicasOf(rs)

	pods, err := c.store.List(ctx, types.ResourcePods, namespace)
	if err != nil {
		return fmt.Errorf("failed to list pods: %w", err)
	}
	var owned []*unstructured.Unstructured
	for i := range pods.Items {
		pod := &pods.Items[i]
		if types.ControllerUID(pod) == string(rs.GetUID()) && !types.IsTerminating(pod) && sel.Matches(labels.Set(pod.GetLabels())) {
			owned = append(owned, pod)
		}
	}

	switch diff := desired - int64(len(owned)); {
	case diff > 0:
		for i := int64(0); i < diff; i++ {
			pod, err := c.store.Create(ctx, types.ResourcePods, namespace, podFromTemplate(rs, template))
			if err != nil {
				return fmt.Errorf("failed to create pod: %w", err)
			}
			owned = append(owned, pod)
			c.logger.Debug().Str("namespace", namespace).Str("replicaset", rs.GetName()).Str("pod", pod.GetName()).Msg("Created pod")
		}
	case diff < 0:
		sort.SliceStable(owned, deletionOrder(owned))
		excess := int(-diff)
		for _, pod := range owned[:excess] {
			if _, err := c.store.Delete(ctx, types.ResourcePods, namespace, pod.GetName(), nil); err != nil && !apierrors.IsNotFound(err) {
				return fmt.Errorf("failed to delete pod %s: %w", pod.GetName(), err)
			}
			c.logger.Debug().Str("namespace", namespace).Str("replicaset", rs.GetName()).Str("pod", pod.GetName()).Msg("Deleted excess pod")
		}
		owned = owned[excess:]
	}

	var ready int64
	for _, pod := range owned {
		if types.PodPhase(pod) == types.PodRunning && types.PodIP(pod) != "" {
			ready++
		}
	}
	status := map[string]interface{}{
		"replicas":             int64(len(owned)),
		"fullyLabeledReplicas": int64(len(owned)),
		"readyReplicas":        ready,
		"availableReplicas":    ready,
		"observedGeneration":   rs.GetGeneration(),
	}
	return updateStatus(ctx, c.store, types.ResourceReplicaSets, rs, status)
}

// collectOrphans deletes pods controlled by a ReplicaSet that no longer
// exists.
func (c *ReplicaSetController) collectOrphans(ctx context.Context) error {
	pods, err := c.store.List(ctx, types.ResourcePods, "")
	if err != nil {
		return fmt.Errorf("failed to list pods: %w", err)
	}
	for i := range pods.Items {
		pod := &pods.Items[i]
		if types.IsTerminating(pod) {
			continue
		}
		orphan, err := isOrphan(ctx, c.store, pod, replicaSetGVK.Kind, types.ResourceReplicaSets)
		if err != nil || !orphan {
			continue
		}
		if _, err := c.store.Delete(ctx, types.ResourcePods, pod.GetNamespace(), pod.GetName(), nil); err != nil && !apierrors.IsNotFound(err) {
			itemFailed(c.logger, c.Name(), types.ResourcePods, pod.GetNamespace(), pod.GetName(), err, "Failed to delete orphaned pod")
		}
	}
	return nil
}

// podFromTemplate builds a new pod for rs from its pod template
func podFromTemplate(rs *unstructured.Unstructured, template map[string]interface{}) *unstructured.Unstructured {
	pod := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Pod",
	}}
	if spec, ok := template["spec"].(map[string]interface{}); ok {
		pod.Object["spec"] = runtime.DeepCopyJSONValue(spec)
	}
	podLabels, _, _ := unstructured.NestedStringMap(template, "metadata", "labels")
	podAnnotations, _, _ := unstructured.NestedStringMap(template, "metadata", "annotations")

	pod.SetName(rs.GetName() + "-" + utilrand.String(5))
	pod.SetNamespace(rs.GetNamespace())
	pod.SetLabels(podLabels)
	if len(podAnnotations) > 0 {
		pod.SetAnnotations(podAnnotations)
	}
	pod.SetOwnerReferences([]metav1.OwnerReference{*metav1.NewControllerRef(rs, replicaSetGVK)})
	_ = unstructured.SetNestedField(pod.Object, types.PodPending, "status", "phase")
	return pod
}

// deletionOrder puts the pods to remove first at the front: pods that are
// not running, then the newest.
func deletionOrder(pods []*unstructured.Unstructured) func(i, j int) bool {
	return func(i, j int) bool {
		ri := types.PodPhase(pods[i]) == types.PodRunning
		rj := types.PodPhase(pods[j]) == types.PodRunning
		if ri != rj {
			return !ri
		}
		ti, tj := pods[i].GetCreationTimestamp(), pods[j].GetCreationTimestamp()
		if !ti.Equal(&tj) {
			return tj.Before(&ti)
		}
		return types.ResourceVersionOf(pods[i]) > types.ResourceVersionOf(pods[j])
	}
}

// labelSelectorOf parses a metav1.LabelSelector document at the given path.
// An empty selector is rejected since it would match every pod.
func labelSelectorOf(obj *unstructured.Unstructured, fields ...string) (labels.Selector, error) {
	raw, found, err := unstructured.NestedMap(obj.Object, fields...)
	if err != nil || !found {
		return nil, fmt.Errorf("%w: missing selector", types.ErrInvalidSelector)
	}
	var ls metav1.LabelSelector
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(raw, &ls); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidSelector, err)
	}
	sel, err := metav1.LabelSelectorAsSelector(&ls)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidSelector, err)
	}
	if sel.Empty() {
		return nil, fmt.Errorf("%w: empty selector", types.ErrInvalidSelector)
	}
	return sel, nil
}

// replicasOf returns spec.replicas, defaulting to 1
func replicasOf(obj *unstructured.Unstructured) int64 {
	replicas, found, err := unstructured.NestedInt64(obj.Object, "spec", "replicas")
	if err != nil || !found || replicas < 0 {
		return 1
	}
	return replicas
}

// updateStatus merges fields into obj's status and writes it back only when
// something changed.
func updateStatus(ctx context.Context, store storage.Store, kind string, obj *unstructured.Unstructured, fields map[string]interface{}) error {
	current, _, _ := unstructured.NestedMap(obj.Object, "status")
	next := runtime.DeepCopyJSON(current)
	if next == nil {
		next = map[string]interface{}{}
	}
	for k, v := range fields {
		next[k] = v
	}
	if equality.Semantic.DeepEqual(current, next) {
		return nil
	}

	updated := obj.DeepCopy()
	if err := unstructured.SetNestedMap(updated.Object, next, "status"); err != nil {
		return err
	}
	if _, err := store.Update(ctx, kind, obj.GetNamespace(), obj.GetName(), updated); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

// isOrphan reports whether obj's controller of the given kind is gone. The
// owner is looked up by name and must still carry the referenced uid.
func isOrphan(ctx context.Context, store storage.Store, obj *unstructured.Unstructured, ownerKind, ownerResource string) (bool, error) {
	for _, ref := range obj.GetOwnerReferences() {
		if ref.Controller == nil || !*ref.Controller || ref.Kind != ownerKind {
			continue
		}
		owner, err := store.Get(ctx, ownerResource, obj.GetNamespace(), ref.Name)
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return owner.GetUID() != ref.UID, nil
	}
	return false, nil
}
