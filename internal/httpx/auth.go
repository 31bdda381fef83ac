package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/golang-jwt/jwt/v5"
)

// Actor is the authenticated caller: subject and role claims of the bearer token.
type Actor struct {
	ID   string
	Role orders.Role
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type actorKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	Secret []byte
}

func (a *Authenticator) Parse(token string) (Actor, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Actor{}, err
	}
	role := orders.Role(c.Role)
	if c.Subject == "" || !role.Valid() || role == orders.RoleSystem {
		return Actor{}, errors.New("token lacks a valid subject or role")
	}
	return Actor{ID: c.Subject, Role: role}, nil
}

// Sign issues a token for actor; used by tooling and tests.
func (a *Authenticator) Sign(actor Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tok.SignedString(a.Secret)
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			writeJSON(w, r, http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
			return
		}
		actor, err := a.Parse(token)
		if err != nil {
			writeJSON(w, r, http.StatusUnauthorized, errorBody{Error: "invalid token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// RequireRole rejects actors whose role is not one of roles.
func RequireRole(roles ...orders.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, ok := ActorFrom(r.Context())
			if !ok {
				writeJSON(w, r, http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
				return
			}
			for _, role := range roles {
				if a.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, r, fmt.Errorf("%w: role %s", orders.ErrForbidden, a.Role))
		})
	}
}
