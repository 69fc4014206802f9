package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilrand "k8s.io/apimachinery/pkg/util/rand"
)

// DeploymentControllerName identifies the deployment controller
const DeploymentControllerName = "deployment-controller"

var deploymentGVK = schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}

// DeploymentController rolls each Deployment's pod template out through a
// ReplicaSet named after the template hash. The current ReplicaSet gets
// spec.replicas; every older one owned by the Deployment is scaled to zero.
type DeploymentController struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewDeploymentController creates the deployment controller
func NewDeploymentController(store storage.Store) *DeploymentController {
	return &DeploymentController{
		store:  store,
		logger: log.WithController(DeploymentControllerName),
	}
}

// Name implements Controller
func (c *DeploymentController) Name() string {
	return DeploymentControllerName
}

// Reconcile implements Controller
func (c *DeploymentController) Reconcile(ctx context.Context) error {
	deployments, err := c.store.List(ctx, types.ResourceDeployments, "")
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}

	for i := range deployments.Items {
		d := &deployments.Items[i]
		if types.IsTerminating(d) {
			continue
		}
		if err := c.reconcileDeployment(ctx, d); err != nil {
			itemFailed(c.logger, c.Name(), types.ResourceDeployments, d.GetNamespace(), d.GetName(), err, "Failed to reconcile deployment")
		}
	}

	if err := c.collectOrphans(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Failed to collect orphaned replicasets")
	}
	return nil
}

func (c *DeploymentController) reconcileDeployment(ctx context.Context, d *unstructured.Unstructured) error {
	namespace := d.GetNamespace()

	if _, err := labelSelectorOf(d, "spec", "selector"); err != nil {
		return err
	}
	selector, _, _ := unstructured.NestedMap(d.Object, "spec", "selector")
	template, _, _ := unstructured.NestedMap(d.Object, "spec", "template")

	hash, err := TemplateHash(template)
	if err != nil {
		return err
	}
	desired := replicasOf(d)
	current, err := c.ensureReplicaSet(ctx, d, hash, selector, template, desired)
	if err != nil {
		return err
	}

	replicaSets, err := c.store.List(ctx, types.ResourceReplicaSets, namespace)
	if err != nil {
		return fmt.Errorf("failed to list replicasets: %w", err)
	}

	var replicas, ready, available, updated int64
	for i := range replicaSets.Items {
		rs := &replicaSets.Items[i]
		if types.ControllerUID(rs) != string(d.GetUID()) {
			continue
		}
		if rs.GetName() != current.GetName() && replicasOf(rs) != 0 && !types.IsTerminating(rs) {
			scaled := rs.DeepCopy()
			if err := unstructured.SetNestedField(scaled.Object, int64(0), "spec", "replicas"); err != nil {
				return err
			}
			if _, err := c.store.Update(ctx, types.ResourceReplicaSets, namespace, rs.GetName(), scaled); err != nil {
				return fmt.Errorf("failed to scale down replicaset %s: %w", rs.GetName(), err)
			}
			c.logger.Info().Str("namespace", namespace).Str("deployment", d.GetName()).Str("replicaset", rs.GetName()).Msg("Scaled down old replicaset")
		}

		n, _, _ := unstructured.NestedInt64(rs.Object, "status", "replicas")
		r, _, _ := unstructured.NestedInt64(rs.Object, "status", "readyReplicas")
		a, _, _ := unstructured.NestedInt64(rs.Object, "status", "availableReplicas")
		replicas += n
		ready += r
		available += a
		if rs.GetName() == current.GetName() {
			updated = n
		}
	}

	status := map[string]interface{}{
		"replicas":           replicas,
		"updatedReplicas":    updated,
		"readyReplicas":      ready,
		"availableReplicas":  available,
		"observedGeneration": d.GetGeneration(),
	}
	return updateStatus(ctx, c.store, types.ResourceDeployments, d, status)
}

// ensureReplicaSet creates or scales the ReplicaSet for the current template
func (c *DeploymentController) ensureReplicaSet(ctx context.Context, d *unstructured.Unstructured, hash string, selector, template map[string]interface{}, replicas int64) (*unstructured.Unstructured, error) {
	namespace := d.GetNamespace()
	name := d.GetName() + "-" + hash

	rs, err := c.store.Get(ctx, types.ResourceReplicaSets, namespace, name)
	if err == nil {
		if types.ControllerUID(rs) != string(d.GetUID()) {
			return nil, fmt.Errorf("replicaset %s exists and is not controlled by this deployment", name)
		}
		if replicasOf(rs) == replicas {
			return rs, nil
		}
		scaled := rs.DeepCopy()
		if err := unstructured.SetNestedField(scaled.Object, replicas, "spec", "replicas"); err != nil {
			return nil, err
		}
		rs, err = c.store.Update(ctx, types.ResourceReplicaSets, namespace, name, scaled)
		if err != nil {
			return nil, fmt.Errorf("failed to scale replicaset: %w", err)
		}
		return rs, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("failed to get replicaset: %w", err)
	}

	rs = &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "ReplicaSet",
		"spec": map[string]interface{}{
			"replicas": replicas,
			"selector": withHashLabel(selector, "matchLabels", hash),
			"template": templateWithHash(template, hash),
		},
	}}
	rsLabels, _, _ := unstructured.NestedStringMap(template, "metadata", "labels")
	if rsLabels == nil {
		rsLabels = map[string]string{}
	}
	rsLabels[types.LabelPodTemplateHash] = hash
	rs.SetName(name)
	rs.SetNamespace(namespace)
	rs.SetLabels(rsLabels)
	rs.SetOwnerReferences([]metav1.OwnerReference{*metav1.NewControllerRef(d, deploymentGVK)})

	created, err := c.store.Create(ctx, types.ResourceReplicaSets, namespace, rs)
	if err != nil {
		return nil, fmt.Errorf("failed to create replicaset: %w", err)
	}
	c.logger.Info().Str("namespace", namespace).Str("deployment", d.GetName()).Str("replicaset", name).Msg("Created replicaset")
	return created, nil
}

// collectOrphans deletes ReplicaSets controlled by a Deployment that no
// longer exists.
func (c *DeploymentController) collectOrphans(ctx context.Context) error {
	replicaSets, err := c.store.List(ctx, types.ResourceReplicaSets, "")
	if err != nil {
		return fmt.Errorf("failed to list replicasets: %w", err)
	}
	for i := range replicaSets.Items {
		rs := &replicaSets.Items[i]
		if types.IsTerminating(rs) {
			continue
		}
		orphan, err := isOrphan(ctx, c.store, rs, deploymentGVK.Kind, types.ResourceDeployments)
		if err != nil || !orphan {
			continue
		}
		if _, err := c.store.Delete(ctx, types.ResourceReplicaSets, rs.GetNamespace(), rs.GetName(), nil); err != nil && !apierrors.IsNotFound(err) {
			itemFailed(c.logger, c.Name(), types.ResourceReplicaSets, rs.GetNamespace(), rs.GetName(), err, "Failed to delete orphaned replicaset")
		}
	}
	return nil
}

// TemplateHash returns the pod-template-hash of a pod template: the FNV-32a
// hash of its JSON encoding, made safe for names.
func TemplateHash(template map[string]interface{}) (string, error) {
	data, err := json.Marshal(template)
	if err != nil {
		return "", fmt.Errorf("failed to encode pod template: %w", err)
	}
	h := fnv.New32a()
	h.Write(data)
	return utilrand.SafeEncodeString(fmt.Sprint(h.Sum32())), nil
}

func templateWithHash(template map[string]interface{}, hash string) map[string]interface{} {
	out := runtime.DeepCopyJSON(template)
	if out == nil {
		out = map[string]interface{}{}
	}
	meta, _ := out["metadata"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
		out["metadata"] = meta
	}
	out["metadata"] = withHashLabel(meta, "labels", hash)
	return out
}

// withHashLabel returns a copy of m with pod-template-hash added to the
// string map under key.
func withHashLabel(m map[string]interface{}, key, hash string) map[string]interface{} {
	out := runtime.DeepCopyJSON(m)
	if out == nil {
		out = map[string]interface{}{}
	}
	inner, _ := out[key].(map[string]interface{})
	if inner == nil {
		inner = map[string]interface{}{}
	}
	inner[types.LabelPodTemplateHash] = hash
	out[key] = inner
	return out
}
