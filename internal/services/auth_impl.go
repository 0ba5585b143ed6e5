package services

import (
	"net/http"

	"vidanon/internal/auth"
	"vidanon/internal/middleware"
)

// AuthStatus reports whether the caller is authenticated
type AuthStatus struct {
	Enabled       bool   `json:"enabled"`
	Authenticated bool   `json:"authenticated"`
	Client        string `json:"client,omitempty"`
}

// AuthImplementation implements the auth service
type AuthImplementation struct {
	authenticator *auth.Authenticator
}

// NewAuthService creates a new auth service implementation
func NewAuthService(authenticator *auth.Authenticator) *AuthImplementation {
	return &AuthImplementation{
		authenticator: authenticator,
	}
}

// Status returns the current authentication status. It must be mounted
// behind the auth middleware to see the caller's claims.
func (a *AuthImplementation) Status(w http.ResponseWriter, r *http.Request) {
	status := AuthStatus{Enabled: a.authenticator.IsEnabled()}

	if claims := middleware.GetClientFromContext(r.Context()); claims != nil {
		status.Authenticated = true
		status.Client = claims.Client
	}
	writeJSON(w, http.StatusOK, status)
}
