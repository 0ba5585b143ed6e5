package services

import (
	"context"
	"net/http"
	"os/exec"
	"time"
)

// ReadinessCheck reports a dependency that is not ready
type ReadinessCheck func(ctx context.Context) error

// HealthImplementation implements the health service
type HealthImplementation struct {
	checks map[string]ReadinessCheck
}

// NewHealthService creates a new health service implementation
func NewHealthService(checks map[string]ReadinessCheck) *HealthImplementation {
	return &HealthImplementation{checks: checks}
}

// BinaryCheck verifies an executable is on PATH
func BinaryCheck(name string) ReadinessCheck {
	return func(ctx context.Context) error {
		_, err := exec.LookPath(name)
		return err
	}
}

// Healthz implements the liveness probe
func (h *HealthImplementation) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz implements the readiness probe
func (h *HealthImplementation) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
