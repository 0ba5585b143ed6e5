package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"vidanon/internal/auth"
)

// ContextKey is a custom type for context keys
type ContextKey string

const (
	// ClientContextKey is the key for storing token claims in context
	ClientContextKey ContextKey = "client"
)

// AuthMiddleware creates an HTTP middleware for JWT authentication.
// WebSocket clients that cannot set headers may pass the token as the
// access_token query parameter.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth if disabled
			if !authenticator.IsEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			tokenString, errMsg := bearerToken(r)
			if errMsg != "" {
				writeError(w, errMsg)
				return
			}

			claims, err := authenticator.ValidateToken(tokenString)
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					writeError(w, "token has expired")
				} else {
					writeError(w, "invalid token")
				}
				return
			}

			ctx := context.WithValue(r.Context(), ClientContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, ""
		}
		return "", "missing authorization header"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "invalid authorization header format"
	}
	return parts[1], ""
}

func writeError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error": "` + msg + `"}`))
}

// GetClientFromContext retrieves token claims from the request context
func GetClientFromContext(ctx context.Context) *auth.Claims {
	claims, ok := ctx.Value(ClientContextKey).(*auth.Claims)
	if !ok {
		return nil
	}
	return claims
}
