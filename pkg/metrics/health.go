package metrics

import (
	"sort"
	"sync"
	"time"
)

// Component names the control plane reports health for
const (
	ComponentStore       = "store"
	ComponentControllers = "controllers"
	ComponentAPI         = "api"
)

// criticalComponents must all be healthy before the process is ready
var criticalComponents = []string{ComponentStore, ComponentControllers, ComponentAPI}

// HealthStatus is a snapshot of the component registry
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type componentState struct {
	healthy bool
	message string
	updated time.Time
}

type registry struct {
	mu         sync.RWMutex
	components map[string]componentState
	started    time.Time
}

var components = newRegistry()

func newRegistry() *registry {
	return &registry{
		components: make(map[string]componentState),
		started:    time.Now(),
	}
}

// UpdateComponent records the health of a component. message explains an
// unhealthy state and is ignored otherwise.
func UpdateComponent(name string, healthy bool, message string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.components[name] = componentState{healthy: healthy, message: message, updated: time.Now()}
}

// GetHealth reports every registered component
func GetHealth() HealthStatus {
	components.mu.RLock()
	defer components.mu.RUnlock()

	h := HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Components: make(map[string]string, len(components.components)),
		Uptime:     time.Since(components.started).Round(time.Second).String(),
	}
	names := make([]string, 0, len(components.components))
	for name := range components.components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := components.components[name]
		if c.healthy {
			h.Components[name] = "healthy"
			continue
		}
		h.Status = "unhealthy"
		h.Components[name] = "unhealthy: " + c.message
		if h.Message == "" {
			h.Message = name + " is unhealthy"
		}
	}
	return h
}

// GetReadiness reports ready only when every critical component is
// registered and healthy
func GetReadiness() HealthStatus {
	components.mu.RLock()
	defer components.mu.RUnlock()

	r := HealthStatus{
		Status:     "ready",
		Timestamp:  time.Now(),
		Components: make(map[string]string, len(criticalComponents)),
		Uptime:     time.Since(components.started).Round(time.Second).String(),
	}
	for _, name := range criticalComponents {
		c, ok := components.components[name]
		switch {
		case !ok:
			r.Components[name] = "not registered"
			if r.Message == "" {
				r.Message = "waiting for " + name + " initialization"
			}
		case !c.healthy:
			r.Components[name] = "not ready: " + c.message
			if r.Message == "" {
				r.Message = "waiting for " + name
			}
		default:
			r.Components[name] = "ready"
			continue
		}
		r.Status = "not_ready"
	}
	return r
}
