package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/stefando/uploadRelay/internal/logging"
)

// JWT-related errors
var (
	ErrInvalidToken = errors.New("invalid token format")
	ErrNoBearer     = errors.New("no bearer token")
)

// IdentityClaims are the claims read from a bearer token for tagging uploads.
type IdentityClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// stripBearer removes a case-insensitive "Bearer " prefix.
func stripBearer(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// DecodeClaims parses a JWT payload WITHOUT verifying its signature.
// The result is a hint about who sent the request; it must never be used
// for an access-control decision. Verification belongs to RequireToken or
// the identity provider in front of this service.
func DecodeClaims(tokenString string) (*IdentityClaims, error) {
	claims := &IdentityClaims{}
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, claims)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if _, ok := token.Claims.(*IdentityClaims); !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// EmailFromAuthorization returns the email claim of an Authorization header
// value, or "" when the header is absent, not a bearer token, or undecodable.
// It never fails; decode problems are logged.
func EmailFromAuthorization(header string) string {
	if header == "" {
		return ""
	}
	token, ok := stripBearer(header)
	if !ok {
		return ""
	}

	claims, err := DecodeClaims(token)
	if err != nil {
		logging.Warn("token decode failed, continuing without identity", zap.Error(err))
		return ""
	}
	return claims.Email
}
