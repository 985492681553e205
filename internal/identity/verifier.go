// Package identity verifies bearer tokens from the identity provider and
// keeps the local owners mirror.
package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/soldiers/internal/config"
)

var (
	ErrInvalidToken  = errors.New("invalid_token")
	ErrNotConfigured = errors.New("identity_not_configured")
)

// Claims are the access token claims the service relies on.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

func (c *Claims) OwnerID() string {
	return strings.TrimSpace(c.Subject)
}

func (c *Claims) NormalizedEmail() string {
	return strings.ToLower(strings.TrimSpace(c.Email))
}

type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(cfg config.Config) *Verifier {
	return &Verifier{
		secret: []byte(cfg.Auth.JWTSecret),
		issuer: cfg.Auth.JWTIssuer,
	}
}

// Verify checks an HS256 token and returns its claims. The subject is
// required; the issuer is only enforced when configured.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, ErrNotConfigured
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.OwnerID() == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Issue signs a token for ownerID. Used by local tooling and tests.
func (v *Verifier) Issue(ownerID, email string, ttl time.Duration, now time.Time) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", ErrNotConfigured
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
