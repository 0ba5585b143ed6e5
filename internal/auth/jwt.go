package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

const (
	issuer        = "vidanon"
	minSecretSize = 16
	clockLeeway   = 30 * time.Second
)

// Claims carries the client a token was minted for
type Claims struct {
	Client string `json:"client"`
	jwt.RegisteredClaims
}

// JWTManager signs and verifies HS256 API tokens
type JWTManager struct {
	secret []byte
	expiry time.Duration
	parser *jwt.Parser
}

// NewJWTManager creates a JWT manager. A zero expiry means 24h.
func NewJWTManager(secret string, expiry time.Duration) (*JWTManager, error) {
	if len(secret) < minSecretSize {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", minSecretSize)
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}

	return &JWTManager{
		secret: []byte(secret),
		expiry: expiry,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(clockLeeway),
		),
	}, nil
}

// GenerateToken mints a token for client and returns it with its expiry
func (m *JWTManager) GenerateToken(client string) (string, time.Time, error) {
	issued := time.Now()
	expires := issued.Add(m.expiry)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Client: client,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    issuer,
			Subject:   client,
			IssuedAt:  jwt.NewNumericDate(issued),
			NotBefore: jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken verifies signature, issuer and expiry
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := m.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GetExpiry returns the lifetime of minted tokens
func (m *JWTManager) GetExpiry() time.Duration {
	return m.expiry
}
