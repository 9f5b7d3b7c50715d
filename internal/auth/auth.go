// ABOUTME: Pluggable connect validation: none, shared token, or HS256 JWT.
// ABOUTME: Transports call the configured Validator on every connect envelope.

// Package auth provides the gateway's pluggable authentication hook. The
// core does not implement auth schemes beyond this validator surface; a
// deployment picks a policy (or injects a custom Validator) and every
// transport funnels connect envelopes through it.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Validation errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// User is the authenticated identity attached to a client after a
// successful connect.
type User struct {
	ID   string
	Name string
}

// Validator authenticates a connect envelope. A nil error marks the
// connection authenticated with the returned user context (which may be
// nil for anonymous policies).
type Validator interface {
	Validate(ctx context.Context, clientID, token string) (*User, error)
}

// ValidatorFunc adapts a function to the Validator interface for custom
// policies injected by the embedding program.
type ValidatorFunc func(ctx context.Context, clientID, token string) (*User, error)

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, clientID, token string) (*User, error) {
	return f(ctx, clientID, token)
}

// NoneValidator accepts every connect. Used when auth.policy is "none".
type NoneValidator struct{}

// Validate implements Validator.
func (NoneValidator) Validate(_ context.Context, clientID, _ string) (*User, error) {
	return &User{ID: clientID}, nil
}

// TokenValidator accepts connects presenting the shared token.
type TokenValidator struct {
	token []byte
}

// NewTokenValidator creates a shared-token validator.
func NewTokenValidator(token string) *TokenValidator {
	return &TokenValidator{token: []byte(token)}
}

// Validate implements Validator with a constant-time comparison.
func (v *TokenValidator) Validate(_ context.Context, clientID, token string) (*User, error) {
	if subtle.ConstantTimeCompare(v.token, []byte(token)) != 1 {
		return nil, ErrInvalidToken
	}
	return &User{ID: clientID}, nil
}

// JWTValidator accepts HS256-signed tokens whose sub claim names the user.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a JWT validator with the given HMAC secret.
func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{secret: secret}
}

// Validate implements Validator.
func (v *JWTValidator) Validate(_ context.Context, _, tokenString string) (*User, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	user := &User{ID: sub}
	if name, ok := claims["name"].(string); ok {
		user.Name = name
	}
	return user, nil
}

// GenerateToken mints an HS256 token for the given subject. Used by the
// bootstrap CLI path and by tests.
func (v *JWTValidator) GenerateToken(subject string, claims jwt.MapClaims) (string, error) {
	all := jwt.MapClaims{"sub": subject}
	for k, val := range claims {
		all[k] = val
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, all)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
