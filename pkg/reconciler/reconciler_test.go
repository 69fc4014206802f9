package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func newTestStore(t *testing.T, namespaces ...string) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir(), types.DefaultRegistry(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for _, ns := range append([]string{"default"}, namespaces...) {
		_, err := s.Create(context.Background(), types.ResourceNamespaces, "", newObject("Namespace", "", ns, nil))
		require.NoError(t, err)
	}
	return s
}

func newObject(kind, namespace, name string, fields map[string]interface{}) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{}}
	for k, v := range fields {
		obj.Object[k] = v
	}
	obj.SetKind(kind)
	obj.SetNamespace(namespace)
	obj.SetName(name)
	return obj
}

func newPod(name string, podLabels map[string]string, phase, ip string) *unstructured.Unstructured {
	status := map[string]interface{}{"phase": phase}
	if ip != "" {
		status["podIP"] = ip
	}
	pod := newObject("Pod", "default", name, map[string]interface{}{"status": status})
	pod.SetLabels(podLabels)
	return pod
}

type fakeController struct {
	mu     sync.Mutex
	passes int
	errs   []error
}

func (f *fakeController) Name() string { return "fake" }

func (f *fakeController) Reconcile(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passes++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeController) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.passes
}

func TestRunnerFirstPassFailureIsFatal(t *testing.T) {
	fc := &fakeController{errs: []error{errors.New("store unavailable")}}
	r := NewRunner(fc, time.Hour)

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
	assert.Equal(t, 1, fc.count())
}

func TestRunnerSurvivesLaterFailures(t *testing.T) {
	fc := &fakeController{errs: []error{nil, errors.New("transient"), errors.New("transient")}}
	r := NewRunner(fc, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return fc.count() >= 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunnerDefaultInterval(t *testing.T) {
	r := NewRunner(&fakeController{}, 0)
	assert.Equal(t, DefaultInterval, r.interval)
}

func TestNamespaceFinalization(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ns := newObject("Namespace", "", "prod", map[string]interface{}{
		"status": map[string]interface{}{"phase": types.NamespaceActive},
	})
	ns.SetFinalizers([]string{types.FinalizerKubernetes})
	_, err := s.Create(ctx, types.ResourceNamespaces, "", ns)
	require.NoError(t, err)

	_, err = s.Create(ctx, types.ResourceConfigMaps, "prod", newObject("ConfigMap", "", "settings", nil))
	require.NoError(t, err)
	_, err = s.Create(ctx, types.ResourcePods, "prod", newObject("Pod", "", "web-0", nil))
	require.NoError(t, err)
	_, err = s.Create(ctx, types.ResourcePods, "default", newObject("Pod", "", "keep", nil))
	require.NoError(t, err)

	_, err = s.Delete(ctx, types.ResourceNamespaces, "", "prod", nil)
	require.NoError(t, err)

	c := NewNamespaceController(s, types.DefaultRegistry())
	require.NoError(t, c.Reconcile(ctx))

	got, err := s.Get(ctx, types.ResourceNamespaces, "", "prod")
	require.NoError(t, err, "namespace is kept until its content is gone")
	phase, _, _ := unstructured.NestedString(got.Object, "status", "phase")
	assert.Equal(t, types.NamespaceTerminating, phase)

	for _, kind := range []string{types.ResourceConfigMaps, types.ResourcePods} {
		list, err := s.List(ctx, kind, "prod")
		require.NoError(t, err)
		assert.Empty(t, list.Items, kind)
	}

	require.NoError(t, c.Reconcile(ctx))
	_, err = s.Get(ctx, types.ResourceNamespaces, "", "prod")
	assert.Error(t, err)

	_, err = s.Get(ctx, types.ResourcePods, "default", "keep")
	assert.NoError(t, err, "other namespaces are untouched")
}
