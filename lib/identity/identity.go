// Package identity resolves the authenticated requester behind an HTTP
// request. The verifier never trusts an id from a request body; it always
// comes from a Provider.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthenticated = errors.New("identity: request is not authenticated")
	ErrBadSession      = errors.New("identity: session token is invalid")
)

// Provider identifies the requester of r.
type Provider interface {
	Identify(r *http.Request) (string, error)
}

type ctxKey struct{}

// With stores id in ctx.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the id stored by With or Middleware.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Middleware identifies every request with p. Unauthenticated requests pass
// through without an identity; handlers that need one reject them.
func Middleware(p Provider, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := p.Identify(r)
		if err == nil {
			r = r.WithContext(With(r.Context(), id))
		}

		next.ServeHTTP(w, r)
	})
}

// Header trusts a header set by an authenticating gateway in front of the
// verifier. Only use it when clients cannot reach the verifier directly.
type Header struct {
	Name string
}

func (h Header) Identify(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(h.Name))
	if id == "" {
		return "", fmt.Errorf("%w: no %s header", ErrUnauthenticated, h.Name)
	}
	return id, nil
}

// Session validates the social app's HS256 session JWT from the
// Authorization header and uses its subject as the requester id.
type Session struct {
	Secret []byte
	Clock  func() time.Time
}

func (s Session) Identify(r *http.Request) (string, error) {
	authz := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok || tokenString == "" {
		return "", fmt.Errorf("%w: no bearer token", ErrUnauthenticated)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.Clock != nil {
		opts = append(opts, jwt.WithTimeFunc(s.Clock))
	}

	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return s.Secret, nil
	}, opts...); err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadSession, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: no subject", ErrBadSession)
	}

	return claims.Subject, nil
}

// Chain tries each provider in turn and returns the first identity found.
type Chain []Provider

func (c Chain) Identify(r *http.Request) (string, error) {
	var errs []error
	for _, p := range c {
		id, err := p.Identify(r)
		if err == nil {
			return id, nil
		}
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return "", ErrUnauthenticated
	}

	return "", errors.Join(errs...)
}
