package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/keel/pkg/types"
)

// HealthStatus represents the health status of the control plane
type HealthStatus struct {
	Status     string              `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp  time.Time           `json:"timestamp"`
	Components map[string]string   `json:"components,omitempty"`
	Checks     []types.HealthCheck `json:"checks,omitempty"`
	Message    string              `json:"message,omitempty"`
	Version    string              `json:"version,omitempty"`
	Uptime     string              `json:"uptime,omitempty"`
	StartTime  time.Time           `json:"-"`
}

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker aggregates component health and cluster health checks
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	checks     []types.HealthCheck
	critical   []string
	startTime  time.Time
	version    string
}

// NewHealthChecker creates a checker. The critical components must be
// registered and healthy for the process to report ready.
func NewHealthChecker(version string, critical ...string) *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		critical:   critical,
		startTime:  time.Now(),
		version:    version,
	}
}

// UpdateComponent records the health of a component
func (h *HealthChecker) UpdateComponent(name string, healthy bool, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// SetChecks replaces the active cluster health checks and exports them
func (h *HealthChecker) SetChecks(checks []types.HealthCheck) {
	h.mu.Lock()
	prev := h.checks
	h.checks = append([]types.HealthCheck(nil), checks...)
	h.mu.Unlock()

	active := make(map[string]bool, len(checks))
	for _, c := range checks {
		active[c.Name] = true
		HealthChecksActive.WithLabelValues(c.Name).Set(float64(c.Count))
	}
	for _, c := range prev {
		if !active[c.Name] {
			HealthChecksActive.DeleteLabelValues(c.Name)
		}
	}
}

// Checks returns the active cluster health checks sorted by name
func (h *HealthChecker) Checks() []types.HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := append([]types.HealthCheck(nil), h.checks...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Health returns the overall health status. Unhealthy components make the
// process unhealthy; active cluster checks only degrade it.
func (h *HealthChecker) Health() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	if len(h.checks) > 0 {
		status = "degraded"
	}
	components := make(map[string]string)

	for name, comp := range h.components {
		if !comp.Healthy {
			status = "unhealthy"
			components[name] = "unhealthy: " + comp.Message
		} else {
			components[name] = "healthy"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Checks:     append([]types.HealthCheck(nil), h.checks...),
		Version:    h.version,
		Uptime:     time.Since(h.startTime).String(),
		StartTime:  h.startTime,
	}
}

// Readiness reports whether every critical component is up
func (h *HealthChecker) Readiness() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string)

	for _, name := range h.critical {
		comp, exists := h.components[name]
		switch {
		case !exists:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    h.version,
		Uptime:     time.Since(h.startTime).String(),
		StartTime:  h.startTime,
	}
}

// HealthHandler returns an HTTP handler for the /health endpoint
func (h *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := h.Health()

		statusCode := http.StatusOK
		if health.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, health)
	}
}

// ReadyHandler returns an HTTP handler for the /ready endpoint
func (h *HealthChecker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := h.Readiness()

		statusCode := http.StatusOK
		if readiness.Status != "ready" {
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, readiness)
	}
}

// LivenessHandler returns a simple liveness check (always returns 200 if process is running)
func (h *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(h.startTime).String(),
		})
	}
}

// Mux serves /metrics, /health, /ready and /live
func (h *HealthChecker) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", h.HealthHandler())
	mux.HandleFunc("/ready", h.ReadyHandler())
	mux.HandleFunc("/live", h.LivenessHandler())
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
