// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth identifies the caller of an execution request. Callers with
// a valid bearer token are authenticated users; everyone else gets an
// anonymous identity derived from a client id or their address.
package auth

import (
	"crypto/ed25519"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig contains JWT validation and signing configuration.
type JWTConfig struct {
	// Secret is the HS256 key. Either Secret or PublicKey must be set to
	// accept tokens.
	Secret []byte

	// PublicKey verifies EdDSA tokens.
	PublicKey ed25519.PublicKey

	// PrivateKey signs EdDSA tokens. Only needed for token generation.
	PrivateKey ed25519.PrivateKey

	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Enabled reports whether any verification key is configured.
func (c JWTConfig) Enabled() bool {
	return len(c.Secret) > 0 || c.PublicKey != nil
}

// Claims are the token claims read by the server.
type Claims struct {
	jwt.RegisteredClaims
	// UserID identifies the billed user. Subject is used when empty.
	UserID string `json:"user_id,omitempty"`
}

// User returns the billed user id.
func (c *Claims) User() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// ValidateJWT parses and verifies a token.
func ValidateJWT(tokenString string, cfg JWTConfig) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty")
	}

	parser := jwt.NewParser(
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithValidMethods([]string{"HS256", "EdDSA"}),
	)

	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.Alg() {
		case "HS256":
			if len(cfg.Secret) == 0 {
				return nil, fmt.Errorf("HS256 requires secret key")
			}
			return cfg.Secret, nil
		case "EdDSA":
			if cfg.PublicKey == nil {
				return nil, fmt.Errorf("EdDSA requires public key")
			}
			return cfg.PublicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("invalid issuer: expected %s, got %s", cfg.Issuer, claims.Issuer)
	}
	if cfg.Audience != "" && !slices.Contains(claims.Audience, cfg.Audience) {
		return nil, fmt.Errorf("invalid audience: expected %s", cfg.Audience)
	}
	if claims.User() == "" {
		return nil, fmt.Errorf("token has no user")
	}
	return claims, nil
}

// GenerateJWT signs claims, defaulting expiry to 24 hours.
func GenerateJWT(claims Claims, cfg JWTConfig) (string, error) {
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(24 * time.Hour))
	}
	if cfg.Issuer != "" && claims.Issuer == "" {
		claims.Issuer = cfg.Issuer
	}

	var (
		signed string
		err    error
	)
	switch {
	case cfg.PrivateKey != nil:
		signed, err = jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(cfg.PrivateKey)
	case len(cfg.Secret) > 0:
		signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
	default:
		return "", fmt.Errorf("no signing key configured")
	}
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
