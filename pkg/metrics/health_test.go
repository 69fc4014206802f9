package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func resetHealth(t *testing.T) {
	t.Helper()
	components = newRegistry()
}

func TestGetHealth(t *testing.T) {
	resetHealth(t)

	UpdateComponent(ComponentStore, true, "")
	UpdateComponent(ComponentAPI, true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 2)
	assert.Empty(t, health.Message)

	UpdateComponent(ComponentStore, false, "database closed")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: database closed", health.Components[ComponentStore])
	assert.Equal(t, "store is unhealthy", health.Message)
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
		message    string
	}{
		{
			name:       "all critical components ready",
			components: map[string]bool{ComponentStore: true, ComponentControllers: true, ComponentAPI: true},
			want:       "ready",
		},
		{
			name:       "missing critical component",
			components: map[string]bool{ComponentAPI: true},
			want:       "not_ready",
			message:    "waiting for store initialization",
		},
		{
			name:       "critical component unhealthy",
			components: map[string]bool{ComponentStore: true, ComponentControllers: false, ComponentAPI: true},
			want:       "not_ready",
			message:    "waiting for controllers",
		},
		{
			name:       "extra components do not count",
			components: map[string]bool{ComponentStore: true, ComponentControllers: true, ComponentAPI: true, "cache": false},
			want:       "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, healthy := range tt.components {
				UpdateComponent(name, healthy, "")
			}

			readiness := GetReadiness()
			assert.Equal(t, tt.want, readiness.Status)
			assert.Equal(t, tt.message, readiness.Message)
			assert.Len(t, readiness.Components, 3)
		})
	}
}
