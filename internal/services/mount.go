package services

import (
	"log"
	"net/http"
)

// Middleware wraps a handler (e.g. authentication)
type Middleware func(http.Handler) http.Handler

// Mount describes one mounted route
type Mount struct {
	Method  string
	Pattern string
}

// Mounter registers routes on a mux and records them
type Mounter struct {
	mux    *http.ServeMux
	Mounts []Mount
}

// NewMounter creates a mounter over mux
func NewMounter(mux *http.ServeMux) *Mounter {
	return &Mounter{mux: mux}
}

// Handle mounts h on "METHOD /pattern", wrapped by the given middleware
func (m *Mounter) Handle(method, pattern string, h http.Handler, wrap ...Middleware) {
	for i := len(wrap) - 1; i >= 0; i-- {
		h = wrap[i](h)
	}
	route := pattern
	if method != "" {
		route = method + " " + pattern
	}
	m.mux.Handle(route, h)
	m.Mounts = append(m.Mounts, Mount{Method: method, Pattern: pattern})
}

// Log prints every mounted route
func (m *Mounter) Log(logger *log.Logger) {
	for _, mt := range m.Mounts {
		method := mt.Method
		if method == "" {
			method = "ANY"
		}
		logger.Printf("HTTP mounted on %s %s", method, mt.Pattern)
	}
}

// MountHealth mounts the unauthenticated probes
func MountHealth(m *Mounter, h *HealthImplementation) {
	m.Handle(http.MethodGet, "/healthz", http.HandlerFunc(h.Healthz))
	m.Handle(http.MethodGet, "/readyz", http.HandlerFunc(h.Readyz))
}

// MountRuns mounts the run API
func MountRuns(m *Mounter, s *RunImplementation, wrap ...Middleware) {
	m.Handle(http.MethodPost, "/api/runs", http.HandlerFunc(s.Create), wrap...)
	m.Handle(http.MethodGet, "/api/runs", http.HandlerFunc(s.List), wrap...)
	m.Handle(http.MethodGet, "/api/runs/{id}", http.HandlerFunc(s.Get), wrap...)
	m.Handle(http.MethodPost, "/api/runs/{id}/stop", http.HandlerFunc(s.Stop), wrap...)
	m.Handle(http.MethodGet, "/api/runs/{id}/artifact", http.HandlerFunc(s.Artifact), wrap...)
}

// MountSystem mounts status and catalog endpoints
func MountSystem(m *Mounter, s *SystemImplementation, wrap ...Middleware) {
	m.Handle(http.MethodGet, "/api/system", http.HandlerFunc(s.Status), wrap...)
	m.Handle(http.MethodGet, "/api/models", http.HandlerFunc(s.Models), wrap...)
}

// MountAuth mounts the auth status endpoint
func MountAuth(m *Mounter, a *AuthImplementation, wrap ...Middleware) {
	m.Handle(http.MethodGet, "/api/auth/status", http.HandlerFunc(a.Status), wrap...)
}
