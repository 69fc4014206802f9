package reconciler

import (
	"context"
	"fmt"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// NamespaceControllerName identifies the namespace controller
const NamespaceControllerName = "namespace-controller"

// NamespaceController finalizes terminating namespaces: it deletes their
// contents and, once nothing is left, releases the kubernetes finalizer so
// the store removes the namespace.
type NamespaceController struct {
	store  storage.Store
	kinds  *types.Registry
	logger zerolog.Logger
}

// NewNamespaceController creates the namespace controller
func NewNamespaceController(store storage.Store, kinds *types.Registry) *NamespaceController {
	return &NamespaceController{
		store:  store,
		kinds:  kinds,
		logger: log.WithController(NamespaceControllerName),
	}
}

// Name implements Controller
func (c *NamespaceController) Name() string {
	return NamespaceControllerName
}

// Reconcile implements Controller
func (c *NamespaceController) Reconcile(ctx context.Context) error {
	namespaces, err := c.store.List(ctx, types.ResourceNamespaces, "")
	if err != nil {
		return fmt.Errorf("failed to list namespaces: %w", err)
	}

	for i := range namespaces.Items {
		ns := &namespaces.Items[i]
		if !types.IsTerminating(ns) {
			continue
		}
		if err := c.finalize(ctx, ns); err != nil {
			itemFailed(c.logger, c.Name(), types.ResourceNamespaces, "", ns.GetName(), err, "Failed to finalize namespace")
		}
	}
	return nil
}

func (c *NamespaceController) finalize(ctx context.Context, ns *unstructured.Unstructured) error {
	name := ns.GetName()

	if phase, _, _ := unstructured.NestedString(ns.Object, "status", "phase"); phase != types.NamespaceTerminating {
		if err := unstructured.SetNestedField(ns.Object, types.NamespaceTerminating, "status", "phase"); err != nil {
			return err
		}
		updated, err := c.store.Update(ctx, types.ResourceNamespaces, "", name, ns)
		if err != nil {
			return fmt.Errorf("failed to mark namespace terminating: %w", err)
		}
		ns = updated
	}

	remaining := 0
	for _, kind := range c.kinds.Namespaced() {
		list, err := c.store.List(ctx, kind.Resource, name)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", kind.Resource, err)
		}
		for j := range list.Items {
			obj := &list.Items[j]
			remaining++
			if types.IsTerminating(obj) {
				continue
			}
			if _, err := c.store.Delete(ctx, kind.Resource, name, obj.GetName(), nil); err != nil && !apierrors.IsNotFound(err) {
				return fmt.Errorf("failed to delete %s %s: %w", kind.Resource, obj.GetName(), err)
			}
		}
	}

	// Try again next pass once the deletions have landed
	if remaining > 0 {
		c.logger.Debug().Str("namespace", name).Int("remaining", remaining).Msg("Namespace still has content")
		return nil
	}
	if !types.HasFinalizer(ns, types.FinalizerKubernetes) {
		return nil
	}

	types.RemoveFinalizer(ns, types.FinalizerKubernetes)
	if _, err := c.store.Update(ctx, types.ResourceNamespaces, "", name, ns); err != nil {
		return fmt.Errorf("failed to remove namespace finalizer: %w", err)
	}
	c.logger.Info().Str("namespace", name).Msg("Namespace finalized")
	return nil
}
