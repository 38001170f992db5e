package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenExpiry = 24 * time.Hour

// IdentityClaims carries the registration id of an authenticated caller
type IdentityClaims struct {
	ID uuid.UUID `json:"id"`
	// Refresh marks long-lived refresh tokens, which must never be accepted
	// as identity proof on API calls
	Refresh bool `json:"refresh,omitempty"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies registration identity tokens
type JWTService struct {
	secret []byte
}

// NewJWTService creates a new JWT service
func NewJWTService(secret string) *JWTService {
	return &JWTService{
		secret: []byte(secret),
	}
}

// SignToken creates a short-lived identity token for a registration
func (s *JWTService) SignToken(id uuid.UUID) (string, error) {
	now := time.Now()
	claims := &IdentityClaims{
		ID: id,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// VerifyToken verifies and parses an identity token
func (s *JWTService) VerifyToken(tokenString string) (*IdentityClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &IdentityClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	if claims.Refresh {
		return nil, fmt.Errorf("refresh token used as identity token")
	}

	return claims, nil
}
