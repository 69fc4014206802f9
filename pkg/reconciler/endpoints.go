package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
)

const (
	// EndpointsControllerName identifies the controller in logs, metrics and
	// the managed-by label of the Endpoints it writes.
	EndpointsControllerName = "endpoints-controller"

	defaultServicePort = int64(80)
	defaultProtocol    = "TCP"

	selectorCacheSize = 512
)

// EndpointsController keeps one Endpoints object per selector-bearing
// Service, listing the addresses of the Running pods the selector matches.
// Every pass recomputes the addresses from scratch and overwrites the stored
// value.
type EndpointsController struct {
	store     storage.Store
	selectors *lru.Cache[string, labels.Selector]
	logger    zerolog.Logger
}

// NewEndpointsController creates the endpoints controller
func NewEndpointsController(store storage.Store) *EndpointsController {
	return &EndpointsController{
		store:     store,
		selectors: mustSelectorCache(selectorCacheSize),
		logger:    log.WithController(EndpointsControllerName),
	}
}

// mustSelectorCache panics on a non-positive size, which is a programming
// error rather than a runtime condition
func mustSelectorCache(size int) *lru.Cache[string, labels.Selector] {
	cache, err := lru.New[string, labels.Selector](size)
	if err != nil {
		panic(fmt.Sprintf("endpoints: selector cache: %v", err))
	}
	return cache
}

// Name implements Controller
func (c *EndpointsController) Name() string {
	return EndpointsControllerName
}

// Reconcile implements Controller
func (c *EndpointsController) Reconcile(ctx context.Context) error {
	services, err := c.store.List(ctx, types.ResourceServices, "")
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}

	live := make(map[string]bool, len(services.Items))
	pods := make(map[string][]unstructured.Unstructured)

	for i := range services.Items {
		svc := &services.Items[i]
		live[svc.GetNamespace()+"/"+svc.GetName()] = true
		if types.IsTerminating(svc) {
			continue
		}
		if err := c.reconcileService(ctx, svc, pods); err != nil {
			itemFailed(c.logger, c.Name(), types.ResourceServices, svc.GetNamespace(), svc.GetName(), err, "Failed to reconcile endpoints")
		}
	}

	if err := c.pruneOrphans(ctx, live); err != nil {
		c.logger.Error().Err(err).Msg("Failed to prune orphaned endpoints")
	}
	return nil
}

func (c *EndpointsController) reconcileService(ctx context.Context, svc *unstructured.Unstructured, pods map[string][]unstructured.Unstructured) error {
	sel, ok, err := c.selectorFor(svc)
	if err != nil || !ok {
		return err
	}

	namespace := svc.GetNamespace()
	candidates, cached := pods[namespace]
	if !cached {
		list, err := c.store.List(ctx, types.ResourcePods, namespace)
		if err != nil {
			return fmt.Errorf("failed to list pods: %w", err)
		}
		candidates = list.Items
		pods[namespace] = candidates
	}

	subsets := BuildSubsets(svc, sel, candidates)
	return c.write(ctx, svc, subsets)
}

// selectorFor returns the compiled selector of a Service. ok is false when
// the Service has no selector and is therefore not managed here.
func (c *EndpointsController) selectorFor(svc *unstructured.Unstructured) (labels.Selector, bool, error) {
	raw, found, err := unstructured.NestedStringMap(svc.Object, "spec", "selector")
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", types.ErrInvalidSelector, err)
	}
	if !found || len(raw) == 0 {
		return nil, false, nil
	}

	key := selectorKey(raw)
	if sel, ok := c.selectors.Get(key); ok {
		return sel, true, nil
	}
	sel, err := labels.ValidatedSelectorFromSet(labels.Set(raw))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", types.ErrInvalidSelector, err)
	}
	c.selectors.Add(key, sel)
	return sel, true, nil
}

// write persists the subsets wholesale: create when absent, otherwise
// replace against the stored version.
func (c *EndpointsController) write(ctx context.Context, svc *unstructured.Unstructured, subsets []interface{}) error {
	namespace, name := svc.GetNamespace(), svc.GetName()

	existing, err := c.store.Get(ctx, types.ResourceEndpoints, namespace, name)
	if apierrors.IsNotFound(err) {
		ep := NewEndpoints(namespace, name)
		ep.Object["subsets"] = subsets
		_, err = c.store.Create(ctx, types.ResourceEndpoints, namespace, ep)
		if err != nil {
			return fmt.Errorf("failed to create endpoints: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get endpoints: %w", err)
	}

	existing.Object["subsets"] = subsets
	if _, err := c.store.Update(ctx, types.ResourceEndpoints, namespace, name, existing); err != nil {
		return fmt.Errorf("failed to update endpoints: %w", err)
	}
	return nil
}

// pruneOrphans deletes managed Endpoints whose Service is gone
func (c *EndpointsController) pruneOrphans(ctx context.Context, live map[string]bool) error {
	endpoints, err := c.store.List(ctx, types.ResourceEndpoints, "")
	if err != nil {
		return fmt.Errorf("failed to list endpoints: %w", err)
	}

	for i := range endpoints.Items {
		ep := &endpoints.Items[i]
		namespace, name := ep.GetNamespace(), ep.GetName()
		if ep.GetLabels()[types.LabelManagedBy] != EndpointsControllerName || live[namespace+"/"+name] {
			continue
		}
		// The Service may have been created after the list above
		if _, err := c.store.Get(ctx, types.ResourceServices, namespace, name); !apierrors.IsNotFound(err) {
			continue
		}
		if _, err := c.store.Delete(ctx, types.ResourceEndpoints, namespace, name, nil); err != nil && !apierrors.IsNotFound(err) {
			itemFailed(c.logger, c.Name(), types.ResourceEndpoints, namespace, name, err, "Failed to delete orphaned endpoints")
			continue
		}
		c.logger.Debug().Str("namespace", namespace).Str("name", name).Msg("Deleted orphaned endpoints")
	}
	return nil
}

// NewEndpoints returns an empty Endpoints object marked as managed by the
// endpoints controller.
func NewEndpoints(namespace, name string) *unstructured.Unstructured {
	ep := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Endpoints",
		"subsets":    []interface{}{},
	}}
	ep.SetNamespace(namespace)
	ep.SetName(name)
	ep.SetLabels(map[string]string{types.LabelManagedBy: EndpointsControllerName})
	return ep
}

// BuildSubsets computes the Endpoints subsets of svc from the candidate
// pods. A pod is eligible when it is Running, has an IP, is not
// terminating and its labels match the selector. No eligible pods yields an
// empty subset list.
func BuildSubsets(svc *unstructured.Unstructured, sel labels.Selector, pods []unstructured.Unstructured) []interface{} {
	type address struct {
		ip, name, uid string
	}
	var addrs []address
	for i := range pods {
		pod := &pods[i]
		if !Eligible(pod, sel) {
			continue
		}
		addrs = append(addrs, address{ip: types.PodIP(pod), name: pod.GetName(), uid: string(pod.GetUID())})
	}
	if len(addrs) == 0 {
		return []interface{}{}
	}
	sort.Slice(addrs, func(i, j int) bool {
		if addrs[i].ip != addrs[j].ip {
			return addrs[i].ip < addrs[j].ip
		}
		return addrs[i].name < addrs[j].name
	})

	addresses := make([]interface{}, 0, len(addrs))
	for _, a := range addrs {
		addresses = append(addresses, map[string]interface{}{
			"ip": a.ip,
			"targetRef": map[string]interface{}{
				"kind":      "Pod",
				"namespace": svc.GetNamespace(),
				"name":      a.name,
				"uid":       a.uid,
			},
		})
	}

	return []interface{}{map[string]interface{}{
		"addresses": addresses,
		"ports":     endpointPorts(svc),
	}}
}

// Eligible reports whether pod should receive traffic for sel
func Eligible(pod *unstructured.Unstructured, sel labels.Selector) bool {
	return !types.IsTerminating(pod) &&
		types.PodPhase(pod) == types.PodRunning &&
		types.PodIP(pod) != "" &&
		sel.Matches(labels.Set(pod.GetLabels()))
}

// endpointPorts maps service ports to endpoint ports. A numeric targetPort
// wins, then port, then 80. Services without ports expose 80/TCP.
func endpointPorts(svc *unstructured.Unstructured) []interface{} {
	raw, _, _ := unstructured.NestedSlice(svc.Object, "spec", "ports")

	var ports []interface{}
	for _, item := range raw {
		p, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		port := defaultServicePort
		if v, ok := p["targetPort"].(int64); ok && v > 0 {
			port = v
		} else if v, ok := p["port"].(int64); ok && v > 0 {
			port = v
		}
		protocol, _ := p["protocol"].(string)
		if protocol == "" {
			protocol = defaultProtocol
		}

		out := map[string]interface{}{"port": port, "protocol": protocol}
		if name, ok := p["name"].(string); ok && name != "" {
			out["name"] = name
		}
		ports = append(ports, out)
	}
	if len(ports) == 0 {
		ports = []interface{}{map[string]interface{}{"port": defaultServicePort, "protocol": defaultProtocol}}
	}
	return ports
}

// selectorKey is a canonical, collision-free cache key for a selector map
func selectorKey(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(0)
		b.WriteString(m[k])
		b.WriteByte(0)
	}
	return b.String()
}
