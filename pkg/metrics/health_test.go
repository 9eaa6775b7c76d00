package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth() {
	healthChecker = newHealthChecker()
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		expected   string
	}{
		{
			name:       "all healthy",
			components: map[string]bool{ComponentStore: true, ComponentJobQueue: true, ComponentReconciler: true},
			expected:   "healthy",
		},
		{
			name:       "critical component unhealthy",
			components: map[string]bool{ComponentStore: false, ComponentJobQueue: true},
			expected:   "unhealthy",
		},
		{
			name:       "non-critical component unhealthy",
			components: map[string]bool{ComponentStore: true, ComponentJobQueue: true, ComponentReconciler: false},
			expected:   "degraded",
		},
		{
			name:       "nothing registered",
			components: map[string]bool{},
			expected:   "healthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth()
			for name, healthy := range tt.components {
				UpdateComponent(name, healthy, "broken")
			}

			health := GetHealth()
			assert.Equal(t, tt.expected, health.Status)
			assert.Len(t, health.Components, len(tt.components))
		})
	}
}

func TestGetReadiness(t *testing.T) {
	resetHealth()
	SetVersion("test")

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Contains(t, readiness.Message, "initialization")

	UpdateComponent(ComponentStore, true, "")
	UpdateComponent(ComponentJobQueue, false, "starting")
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not ready: starting", readiness.Components[ComponentJobQueue])

	UpdateComponent(ComponentJobQueue, true, "")
	readiness = GetReadiness()
	assert.Equal(t, "ready", readiness.Status)
	assert.Equal(t, "test", readiness.Version)

	SetCriticalComponents(ComponentReconciler)
	assert.Equal(t, "not_ready", GetReadiness().Status)
}

func TestHandlers(t *testing.T) {
	resetHealth()
	UpdateComponent(ComponentStore, true, "")
	UpdateComponent(ComponentJobQueue, true, "")

	mux := NewServeMux()

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code, path)
		var status HealthStatus
		require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
		assert.Contains(t, []string{"healthy", "ready"}, status.Status)
	}

	UpdateComponent(ComponentStore, false, "closed")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "provisioner_")
}
