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

// Package auth resolves the requesting user from HTTP credentials:
// bearer JWTs carrying a user_id claim, or static API tokens stored
// as argon2id hashes keyed by user ID.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"

	"github.com/crucible-dev/crucible/internal/config"
)

// Errors returned by Authenticate. The API layer maps all of them to 401.
var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Argon2id parameters for static token hashes (time=3, memory=64MB,
// parallelism=4).
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLength   = 32
	argon2SaltLength  = 16
)

// anonymousUser is the identity assigned when auth is disabled and no
// X-User-ID header is present.
const anonymousUser = "anonymous"

// Claims are the JWT claims this engine understands.
type Claims struct {
	jwt.RegisteredClaims
	// UserID identifies the authenticated user.
	UserID string `json:"user_id,omitempty"`
}

// Authenticator validates request credentials against the configured
// JWT secret and static token hashes.
type Authenticator struct {
	cfg    config.AuthConfig
	parser *jwt.Parser
}

// New creates an authenticator from config.
func New(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		cfg:    cfg,
		parser: jwt.NewParser(jwt.WithLeeway(30 * time.Second)),
	}
}

// Authenticate resolves the user ID for a request.
//
// With auth disabled, the X-User-ID header is trusted directly
// (development mode) and absent headers fall back to "anonymous".
// With auth enabled, a Bearer token is required: JWTs resolve via the
// user_id claim, anything else is matched against static token hashes.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if !a.cfg.Enabled {
		if user := r.Header.Get("X-User-ID"); user != "" {
			return user, nil
		}
		return anonymousUser, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingCredentials
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", fmt.Errorf("%w: authorization header is not a bearer token", ErrInvalidToken)
	}

	// A JWT is three dot-separated segments; anything else is treated
	// as a static API token.
	if strings.Count(token, ".") == 2 {
		claims, err := a.ValidateJWT(token)
		if err != nil {
			return "", err
		}
		return claims.UserID, nil
	}

	if user, ok := a.matchStaticToken(token); ok {
		return user, nil
	}
	return "", ErrInvalidToken
}

// ValidateJWT parses and validates an HS256 bearer token.
func (a *Authenticator) ValidateJWT(tokenString string) (*Claims, error) {
	if a.cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%w: no JWT secret configured", ErrInvalidToken)
	}

	token, err := a.parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token has no user_id claim", ErrInvalidToken)
	}
	if a.cfg.JWTIssuer != "" && claims.Issuer != a.cfg.JWTIssuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	if a.cfg.JWTAudience != "" {
		found := false
		for _, aud := range claims.Audience {
			if aud == a.cfg.JWTAudience {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
		}
	}
	return claims, nil
}

// GenerateJWT signs a token for the given user, valid for ttl.
func (a *Authenticator) GenerateJWT(userID string, ttl time.Duration) (string, error) {
	if a.cfg.JWTSecret == "" {
		return "", fmt.Errorf("no JWT secret configured")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.cfg.JWTIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
	}
	if a.cfg.JWTAudience != "" {
		claims.Audience = jwt.ClaimStrings{a.cfg.JWTAudience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.JWTSecret))
}

// matchStaticToken compares the presented token against every configured
// hash; all candidates are checked so timing does not reveal which user
// matched.
func (a *Authenticator) matchStaticToken(token string) (string, bool) {
	matched := ""
	for user, hash := range a.cfg.StaticTokens {
		ok, err := VerifyToken(token, hash)
		if err == nil && ok {
			matched = user
		}
	}
	return matched, matched != ""
}

// HashToken produces an argon2id hash of a token in PHC string format,
// suitable for the static_tokens config map.
func HashToken(token string) (string, error) {
	salt := make([]byte, argon2SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(token), salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Time, argon2Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifyToken checks a token against a PHC-format argon2id hash.
func VerifyToken(token, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("invalid argon2id hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("invalid hash version: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version %d", version)
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, fmt.Errorf("invalid hash parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("invalid hash salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("invalid hash digest: %w", err)
	}

	got := argon2.IDKey([]byte(token), salt, iterations, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
