package manager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"
)

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := NewManager(&Config{
		DataDir:            dir,
		ControllerInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return m
}

func newService(name string, spec map[string]interface{}) *unstructured.Unstructured {
	svc := &unstructured.Unstructured{Object: map[string]interface{}{"spec": spec}}
	svc.SetAPIVersion("v1")
	svc.SetKind("Service")
	svc.SetName(name)
	return svc
}

func TestBootstrapNamespaces(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Shutdown()
	ctx := context.Background()

	for _, name := range BootstrapNamespaces {
		ns, err := m.Store().Get(ctx, types.ResourceNamespaces, "", name)
		require.NoError(t, err, name)
		phase, _, _ := unstructured.NestedString(ns.Object, "status", "phase")
		assert.Equal(t, types.NamespaceActive, phase)
		assert.True(t, types.HasFinalizer(ns, types.FinalizerKubernetes))
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	require.NoError(t, m.Shutdown())

	m = newTestManager(t, dir)
	defer m.Shutdown()
	list, err := m.Store().List(context.Background(), types.ResourceNamespaces, "")
	require.NoError(t, err)
	assert.Len(t, list.Items, len(BootstrapNamespaces))
}

func TestPodDefaults(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Shutdown()

	pod := &unstructured.Unstructured{Object: map[string]interface{}{}}
	pod.SetKind("Pod")
	pod.SetName("web-0")
	created, err := m.Store().Create(context.Background(), types.ResourcePods, "default", pod)
	require.NoError(t, err)
	assert.Equal(t, types.PodPending, types.PodPhase(created))
	assert.Empty(t, types.PodPhase(pod), "input is not modified")
}

func TestServiceDefaults(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Shutdown()
	ctx := context.Background()
	store := m.Store()

	created, err := store.Create(ctx, types.ResourceServices, "default", newService("web", map[string]interface{}{
		"selector": map[string]interface{}{"app": "web"},
		"ports":    []interface{}{map[string]interface{}{"port": int64(80)}},
	}))
	require.NoError(t, err)

	ip, _, _ := unstructured.NestedString(created.Object, "spec", "clusterIP")
	assert.Equal(t, "10.96.0.10", ip)
	svcType, _, _ := unstructured.NestedString(created.Object, "spec", "type")
	assert.Equal(t, "ClusterIP", svcType)
	ports, _, _ := unstructured.NestedSlice(created.Object, "spec", "ports")
	require.Len(t, ports, 1)
	assert.Equal(t, "TCP", ports[0].(map[string]interface{})["protocol"])

	ep, err := store.Get(ctx, types.ResourceEndpoints, "default", "web")
	require.NoError(t, err)
	assert.Equal(t, "endpoints-controller", ep.GetLabels()[types.LabelManagedBy])
	subsets, found, _ := unstructured.NestedSlice(ep.Object, "subsets")
	assert.True(t, found)
	assert.Empty(t, subsets)

	// An update that omits the cluster IP keeps it
	update := newService("web", map[string]interface{}{"selector": map[string]interface{}{"app": "api"}})
	updated, err := store.Update(ctx, types.ResourceServices, "default", "web", update)
	require.NoError(t, err)
	ip, _, _ = unstructured.NestedString(updated.Object, "spec", "clusterIP")
	assert.Equal(t, "10.96.0.10", ip)
}

func TestServiceClusterIPLifecycle(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Shutdown()
	ctx := context.Background()
	store := m.Store()

	_, err := store.Create(ctx, types.ResourceServices, "default", newService("a", map[string]interface{}{}))
	require.NoError(t, err)
	b, err := store.Create(ctx, types.ResourceServices, "default", newService("b", map[string]interface{}{}))
	require.NoError(t, err)
	ip, _, _ := unstructured.NestedString(b.Object, "spec", "clusterIP")
	assert.Equal(t, "10.96.0.11", ip)

	headless, err := store.Create(ctx, types.ResourceServices, "default", newService("db", map[string]interface{}{"clusterIP": "None"}))
	require.NoError(t, err)
	ip, _, _ = unstructured.NestedString(headless.Object, "spec", "clusterIP")
	assert.Equal(t, ClusterIPNone, ip)

	_, err = store.Create(ctx, types.ResourceServices, "default", newService("dup", map[string]interface{}{"clusterIP": "10.96.0.11"}))
	require.Error(t, err)
	assert.True(t, apierrors.IsInvalid(err), "got %v", err)

	// A failed create does not leak its address
	_, err = store.Create(ctx, types.ResourceServices, "default", newService("a", map[string]interface{}{}))
	require.True(t, apierrors.IsAlreadyExists(err))
	assert.Equal(t, 2, m.ips.Used())

	_, err = store.Delete(ctx, types.ResourceServices, "default", "a", nil)
	require.NoError(t, err)
	c, err := store.Create(ctx, types.ResourceServices, "default", newService("c", map[string]interface{}{}))
	require.NoError(t, err)
	ip, _, _ = unstructured.NestedString(c.Object, "spec", "clusterIP")
	assert.Equal(t, "10.96.0.10", ip)
}

func TestServiceClusterIPIsImmutable(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Shutdown()
	ctx := context.Background()
	store := m.Store()

	a, err := store.Create(ctx, types.ResourceServices, "default", newService("a", map[string]interface{}{}))
	require.NoError(t, err)
	ip, _, _ := unstructured.NestedString(a.Object, "spec", "clusterIP")
	require.Equal(t, "10.96.0.10", ip)

	// Changing the address is rejected on every write path
	moved := a.DeepCopy()
	require.NoError(t, unstructured.SetNestedField(moved.Object, "10.96.0.11", "spec", "clusterIP"))
	_, err = store.Update(ctx, types.ResourceServices, "default", "a", moved)
	assert.True(t, apierrors.IsInvalid(err), "got %v", err)

	_, err = store.Patch(ctx, types.ResourceServices, "default", "a", storage.MergePatch,
		[]byte(`{"spec":{"clusterIP":"10.96.0.11"}}`))
	assert.True(t, apierrors.IsInvalid(err), "got %v", err)

	_, err = store.Patch(ctx, types.ResourceServices, "default", "a", storage.JSONPatch,
		[]byte(`[{"op":"replace","path":"/spec/clusterIP","value":"None"}]`))
	assert.True(t, apierrors.IsInvalid(err), "got %v", err)

	// Removing it keeps the stored address
	patched, err := store.Patch(ctx, types.ResourceServices, "default", "a", storage.MergePatch,
		[]byte(`{"spec":{"clusterIP":null}}`))
	require.NoError(t, err)
	ip, _, _ = unstructured.NestedString(patched.Object, "spec", "clusterIP")
	assert.Equal(t, "10.96.0.10", ip)

	b, err := store.Create(ctx, types.ResourceServices, "default", newService("b", map[string]interface{}{}))
	require.NoError(t, err)
	ip, _, _ = unstructured.NestedString(b.Object, "spec", "clusterIP")
	assert.Equal(t, "10.96.0.11", ip)
	assert.Equal(t, 2, m.ips.Used())

	got, err := store.Get(ctx, types.ResourceServices, "default", "a")
	require.NoError(t, err)
	ip, _, _ = unstructured.NestedString(got.Object, "spec", "clusterIP")
	assert.Equal(t, "10.96.0.10", ip)
}

func TestClusterIPsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	_, err := m.Store().Create(context.Background(), types.ResourceServices, "default", newService("a", map[string]interface{}{}))
	require.NoError(t, err)
	require.NoError(t, m.Shutdown())

	m = newTestManager(t, dir)
	defer m.Shutdown()
	assert.Equal(t, 1, m.ips.Used())

	b, err := m.Store().Create(context.Background(), types.ResourceServices, "default", newService("b", map[string]interface{}{}))
	require.NoError(t, err)
	ip, _, _ := unstructured.NestedString(b.Object, "spec", "clusterIP")
	assert.Equal(t, "10.96.0.11", ip)
}

// A client that lists and then watches from the list's resourceVersion sees
// every mutation exactly once, even while writers are running.
func TestListThenWatchIsGapFree(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Shutdown()
	ctx := context.Background()
	store := m.Store()

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	start := make(chan struct{})
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < perWriter; i++ {
				cm := &unstructured.Unstructured{Object: map[string]interface{}{"data": map[string]interface{}{"i": fmt.Sprint(i)}}}
				cm.SetKind("ConfigMap")
				cm.SetName(fmt.Sprintf("cm-%d-%d", w, i))
				_, err := store.Create(ctx, types.ResourceConfigMaps, "default", cm)
				assert.NoError(t, err)
			}
		}()
	}

	close(start)
	time.Sleep(time.Millisecond)
	list, err := store.List(ctx, types.ResourceConfigMaps, "")
	require.NoError(t, err)
	listRV, err := types.ParseResourceVersion(list.GetResourceVersion())
	require.NoError(t, err)

	w, err := m.Bus().Watch(ctx, types.ResourceConfigMaps, "", listRV)
	require.NoError(t, err)
	defer w.Stop()

	seen := make(map[string]bool)
	for _, item := range list.Items {
		seen[item.GetName()] = true
	}
	assert.Len(t, seen, int(listRV))

	total := int64(writers * perWriter)
	next := listRV + 1
	timeout := time.After(5 * time.Second)
	for next <= total {
		select {
		case ev := <-w.Events():
			require.Equal(t, next, ev.ResourceVersion, "events arrive in order without gaps")
			assert.Equal(t, watch.Added, ev.Type)
			assert.False(t, seen[ev.Object.GetName()], "listed object replayed")
			seen[ev.Object.GetName()] = true
			next++
		case <-timeout:
			t.Fatalf("timed out at resourceVersion %d", next)
		}
	}
	wg.Wait()
	assert.Len(t, seen, int(total))
}

func TestRunReconcilesUntilCancelled(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Shutdown()
	store := m.Store()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	_, err := store.Create(ctx, types.ResourceServices, "default", newService("web", map[string]interface{}{
		"selector": map[string]interface{}{"app": "web"},
	}))
	require.NoError(t, err)

	pod := &unstructured.Unstructured{Object: map[string]interface{}{
		"status": map[string]interface{}{"phase": types.PodRunning, "podIP": "10.0.0.3"},
	}}
	pod.SetKind("Pod")
	pod.SetName("web-0")
	pod.SetLabels(map[string]string{"app": "web"})
	_, err = store.Create(ctx, types.ResourcePods, "default", pod)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ep, err := store.Get(ctx, types.ResourceEndpoints, "default", "web")
		if err != nil {
			return false
		}
		subsets, _, _ := unstructured.NestedSlice(ep.Object, "subsets")
		return len(subsets) == 1
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}
