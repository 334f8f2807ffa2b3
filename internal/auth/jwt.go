// Package auth resolves the identity behind a connection from a signed
// token and checks its document permissions.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest accepted HMAC secret
const MinSecretLength = 32

// Claims are the JWT claims issued to editors
type Claims struct {
	UserID      string      `json:"userId"`
	Name        string      `json:"name,omitempty"`
	Email       string      `json:"email,omitempty"`
	Permissions Permissions `json:"permissions"`
	jwt.RegisteredClaims
}

// Errors for JWT validation
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrShortSecret  = errors.New("JWT secret must be at least 32 characters")
	ErrMissingToken = errors.New("token required")
)

// VerifyToken checks the HMAC signature and expiry and returns the claims.
func VerifyToken(tokenString, secret string) (*Claims, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithIssuedAt())
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueToken signs an HS256 token for the given identity.
func IssueToken(userID, name, email string, perms Permissions, secret string, expiresIn time.Duration) (string, error) {
	if len(secret) < MinSecretLength {
		return "", ErrShortSecret
	}

	now := time.Now()
	claims := &Claims{
		UserID:      userID,
		Name:        name,
		Email:       email,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
