// Package identity binds the external identity provider to JWT bearer
// tokens issued by the marketplace's auth service.
package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthRequired is returned when no valid session accompanies a request.
var ErrAuthRequired = errors.New("authentication required")

// Claims is the token payload the marketplace issues.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Provider verifies and (for tooling and tests) issues session tokens.
type Provider struct {
	secret []byte
	ttl    time.Duration
}

// NewProvider constructs a Provider with an HS256 signing secret.
func NewProvider(secret string, ttl time.Duration) *Provider {
	return &Provider{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for the user.
func (p *Provider) Issue(userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// Verify validates the token and returns the authenticated user id, or
// ErrAuthRequired for anything invalid or expired.
func (p *Provider) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrAuthRequired
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return p.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrAuthRequired
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return "", ErrAuthRequired
	}
	return claims.UserID, nil
}
