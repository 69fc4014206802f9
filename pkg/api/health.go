package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// storeCheckTimeout bounds the readiness probe's store read
const storeCheckTimeout = 2 * time.Second

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	store   storage.Store
	version string
}

// NewHealthServer creates the health handlers. store may be nil, in which
// case the server never reports ready.
func NewHealthServer(store storage.Store, version string) *HealthServer {
	return &HealthServer{
		store:   store,
		version: version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is the liveness probe. It answers 200 while the process can
// serve, and reports component states for information only.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	components := metrics.GetHealth()
	response := HealthResponse{
		Status:     "healthy",
		Timestamp:  components.Timestamp,
		Version:    hs.version,
		Uptime:     components.Uptime,
		Components: components.Components,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler is the readiness probe: the store must answer a read and every
// critical component must be healthy
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), storeCheckTimeout)
		defer cancel()
		if _, err := hs.store.List(ctx, types.ResourceNamespaces, ""); err != nil {
			checks["storage"] = fmt.Sprintf("error: %v", err)
			ready = false
			message = "Storage not accessible"
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "not initialized"
		ready = false
		message = "Store not initialized"
	}

	readiness := metrics.GetReadiness()
	for name, state := range readiness.Components {
		checks[name] = state
	}
	if readiness.Status != "ready" {
		ready = false
		if message == "" {
			message = readiness.Message
		}
	}

	status := "ready"
	statusCode := http.StatusOK

	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}
