package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	apitypes "k8s.io/apimachinery/pkg/types"
)

func TestRegistryResolve(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"pods", ResourcePods, true},
		{"pod", ResourcePods, true},
		{"Pod", ResourcePods, true},
		{"DEPLOYMENTS", ResourceDeployments, true},
		{"configmap", ResourceConfigMaps, true},
		{"widgets", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, ok := r.Resolve(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, k.Resource)
		})
	}
}

func TestKindInfo(t *testing.T) {
	r := DefaultRegistry()

	deploy, ok := r.LookupGroup("apps", "v1", ResourceDeployments)
	require.True(t, ok)
	assert.Equal(t, "apps/v1", deploy.APIVersion())
	assert.Equal(t, "DeploymentList", deploy.ListKind())

	_, ok = r.LookupGroup("", "v1", ResourceDeployments)
	assert.False(t, ok)

	pod, ok := r.ForKind("Pod")
	require.True(t, ok)
	assert.Equal(t, "v1", pod.APIVersion())
	assert.True(t, pod.Namespaced)

	for _, k := range r.Namespaced() {
		assert.True(t, k.Namespaced, k.Resource)
	}
	all := r.All()
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Resource, all[i].Resource)
	}
}

func TestParseResourceVersion(t *testing.T) {
	v, err := ParseResourceVersion("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = ParseResourceVersion("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
	assert.Equal(t, "42", FormatResourceVersion(v))

	_, err = ParseResourceVersion("-1")
	assert.Error(t, err)
	_, err = ParseResourceVersion("abc")
	assert.Error(t, err)
}

func TestObjectHelpers(t *testing.T) {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"status": map[string]interface{}{"phase": PodRunning, "podIP": "10.0.0.7"},
	}}
	obj.SetFinalizers([]string{FinalizerKubernetes, "example.com/hold"})

	assert.Equal(t, PodRunning, PodPhase(obj))
	assert.Equal(t, "10.0.0.7", PodIP(obj))
	assert.False(t, IsTerminating(obj))
	assert.True(t, HasFinalizer(obj, FinalizerKubernetes))

	RemoveFinalizer(obj, FinalizerKubernetes)
	assert.False(t, HasFinalizer(obj, FinalizerKubernetes))
	assert.Equal(t, []string{"example.com/hold"}, obj.GetFinalizers())

	now := metav1.Now()
	obj.SetDeletionTimestamp(&now)
	assert.True(t, IsTerminating(obj))

	assert.Empty(t, ControllerUID(obj))
	controller := true
	obj.SetOwnerReferences([]metav1.OwnerReference{
		{Kind: "ReplicaSet", Name: "other", UID: apitypes.UID("a")},
		{Kind: "ReplicaSet", Name: "web", UID: apitypes.UID("b"), Controller: &controller},
	})
	assert.Equal(t, "b", ControllerUID(obj))
}
