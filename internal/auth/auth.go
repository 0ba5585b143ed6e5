package auth

import (
	"errors"
	"time"
)

var ErrAuthDisabled = errors.New("authentication is disabled")

// Config holds the API authentication settings
type Config struct {
	Enabled bool
	Secret  string
	Expiry  time.Duration
}

// Authenticator validates API bearer tokens
type Authenticator struct {
	enabled    bool
	jwtManager *JWTManager
}

// NewAuthenticator creates an authenticator. An enabled authenticator needs
// a secret so tokens minted by the CLI validate on the server.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	a := &Authenticator{enabled: cfg.Enabled}
	if !cfg.Enabled && cfg.Secret == "" {
		return a, nil
	}

	m, err := NewJWTManager(cfg.Secret, cfg.Expiry)
	if err != nil {
		return nil, err
	}
	a.jwtManager = m
	return a, nil
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// IssueToken mints a token for a client
func (a *Authenticator) IssueToken(client string) (string, time.Time, error) {
	if a.jwtManager == nil {
		return "", time.Time{}, ErrAuthDisabled
	}
	return a.jwtManager.GenerateToken(client)
}

// ValidateToken validates a JWT token
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	if a.jwtManager == nil {
		return nil, ErrAuthDisabled
	}
	return a.jwtManager.ValidateToken(token)
}
