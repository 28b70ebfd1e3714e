// Package auth provides the Authenticator boundary used by the dispatcher
// to resolve an incoming request to a principal, plus a reference HMAC-JWT
// implementation. User/ACL management is out of scope (see DESIGN.md); the
// only question this package answers is "who is making this request".
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingToken is returned when a request carries no bearer token.
var ErrMissingToken = errors.New("auth: missing bearer token")

// ErrInvalidToken is returned when a bearer token fails verification.
var ErrInvalidToken = errors.New("auth: invalid token")

// Principal identifies the caller a request was authenticated as.
type Principal struct {
	Name string
}

// Authenticator resolves an incoming HTTP request to a Principal.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// Claims holds the JWT claims issued for a Principal. The subject carries
// the principal name.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HMAC-signed bearer tokens.
type JWTAuthenticator struct {
	secret   []byte
	duration time.Duration
}

// NewJWTAuthenticator builds a JWTAuthenticator with the given HMAC secret
// and token lifetime (used only by Issue).
func NewJWTAuthenticator(secret []byte, duration time.Duration) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, duration: duration}
}

// Issue creates a signed token for principal, valid for the configured
// duration from now.
func (a *JWTAuthenticator) Issue(principal string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(a.duration)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a bearer token string.
func (a *JWTAuthenticator) Verify(tokenString string) (Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	return Principal{Name: claims.Subject}, nil
}

// Authenticate implements Authenticator by reading the "Authorization:
// Bearer <token>" header.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return Principal{}, ErrMissingToken
	}
	return a.Verify(strings.TrimPrefix(h, prefix))
}

type ctxKey struct{}

// WithPrincipal returns a new context carrying principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFromContext extracts the principal attached by WithPrincipal. The
// second return value is false if none is present.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
