package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/keel/pkg/types"
)

func TestUpdateComponent(t *testing.T) {
	h := NewHealthChecker("test")

	h.UpdateComponent("storage", true, "running")

	if len(h.components) != 1 {
		t.Errorf("expected 1 component, got %d", len(h.components))
	}

	comp := h.components["storage"]
	if !comp.Healthy {
		t.Error("component should be healthy")
	}

	if comp.Message != "running" {
		t.Errorf("expected message 'running', got '%s'", comp.Message)
	}
}

func TestHealth_AllHealthy(t *testing.T) {
	h := NewHealthChecker("1.0.0")
	h.UpdateComponent("storage", true, "")
	h.UpdateComponent("reconciler", true, "")

	health := h.Health()

	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}

	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}

	if health.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", health.Version)
	}
}

func TestHealth_OneUnhealthy(t *testing.T) {
	h := NewHealthChecker("")
	h.UpdateComponent("reconciler", true, "")
	h.UpdateComponent("storage", false, "not leader")

	health := h.Health()

	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}

	if health.Components["storage"] != "unhealthy: not leader" {
		t.Errorf("unexpected storage status: %s", health.Components["storage"])
	}
}

func TestHealth_ChecksDegrade(t *testing.T) {
	h := NewHealthChecker("")
	h.UpdateComponent("storage", true, "")

	h.SetChecks([]types.HealthCheck{
		{Name: types.HealthHostOffline, Severity: types.SeverityWarning, Count: 1, Detail: []string{"host h3 is offline"}},
	})
	health := h.Health()
	if health.Status != "degraded" {
		t.Errorf("expected status 'degraded', got '%s'", health.Status)
	}
	if len(health.Checks) != 1 {
		t.Errorf("expected 1 check, got %d", len(health.Checks))
	}

	h.SetChecks(nil)
	if got := h.Health().Status; got != "healthy" {
		t.Errorf("expected status 'healthy' after clearing checks, got '%s'", got)
	}
	if len(h.Checks()) != 0 {
		t.Error("expected no checks")
	}
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{name: "all ready", components: map[string]bool{"storage": true, "reconciler": true}, want: "ready"},
		{name: "missing critical", components: map[string]bool{"storage": true}, want: "not_ready"},
		{name: "critical unhealthy", components: map[string]bool{"storage": false, "reconciler": true}, want: "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker("", "storage", "reconciler")
			for name, healthy := range tt.components {
				h.UpdateComponent(name, healthy, "")
			}

			readiness := h.Readiness()
			if readiness.Status != tt.want {
				t.Errorf("expected status '%s', got '%s'", tt.want, readiness.Status)
			}
			if tt.want != "ready" && readiness.Message == "" {
				t.Error("expected message explaining why not ready")
			}
		})
	}
}

func TestHealthHandler(t *testing.T) {
	h := NewHealthChecker("test")
	h.UpdateComponent("test", true, "")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	h.HealthHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var health HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if health.Status != "healthy" {
		t.Errorf("expected healthy status, got %s", health.Status)
	}

	if health.Version != "test" {
		t.Errorf("expected version 'test', got %s", health.Version)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	h := NewHealthChecker("")
	h.UpdateComponent("test", false, "broken")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	h.HealthHandler()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestMuxRoutes(t *testing.T) {
	h := NewHealthChecker("", "storage")
	mux := h.Mux()

	for path, want := range map[string]int{
		"/live":    http.StatusOK,
		"/ready":   http.StatusServiceUnavailable,
		"/health":  http.StatusOK,
		"/metrics": http.StatusOK,
	} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != want {
			t.Errorf("%s: expected status %d, got %d", path, want, w.Code)
		}
	}
}
