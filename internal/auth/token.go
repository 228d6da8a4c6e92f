// ABOUTME: JWT bearer token verification for tenant-scoped client tokens
// ABOUTME: Uses HS256 signing with configurable secret; carries role and scope claims

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenClaims are the claims the gateway reads from a bearer token.
type TokenClaims struct {
	Subject string
	Role    string   // optional; empty means any role
	Scopes  []string // optional; empty means the role's default ceiling
	Tenant  string   // optional tenant id issued by the backend
}

// JWTVerifier verifies and issues HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts its claims. "sub" is required;
// "role", "scopes" (array or space-separated string) and "tenant" are optional.
func (v *JWTVerifier) Verify(tokenString string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

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

	out := &TokenClaims{Subject: sub}
	out.Role, _ = claims["role"].(string)
	out.Tenant, _ = claims["tenant"].(string)

	switch s := claims["scopes"].(type) {
	case string:
		out.Scopes = strings.Fields(s)
	case []interface{}:
		for _, item := range s {
			if str, ok := item.(string); ok && str != "" {
				out.Scopes = append(out.Scopes, str)
			}
		}
	}

	return out, nil
}

// Generate creates a new JWT for the given claims with expiration.
func (v *JWTVerifier) Generate(c TokenClaims, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": c.Subject,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if c.Role != "" {
		claims["role"] = c.Role
	}
	if len(c.Scopes) > 0 {
		claims["scopes"] = c.Scopes
	}
	if c.Tenant != "" {
		claims["tenant"] = c.Tenant
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// looksLikeJWT reports whether s has the three dot-separated segments of a JWS.
func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2 && !strings.ContainsAny(s, " \t\n")
}
