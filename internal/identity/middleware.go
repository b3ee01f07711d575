package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/partshub/partshub/internal/platform/httpx"
)

// TokenResolver verifies an API token and returns the actor behind it.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (Actor, error)
}

// Middleware wires authentication and role checks for HTTP handlers.
type Middleware struct {
	Resolver TokenResolver
	Logger   *slog.Logger
}

// Authenticate resolves the bearer token and stores the actor in context.
// Requests without a valid token are rejected.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		actor, err := m.Resolver.ResolveToken(r.Context(), token)
		if err != nil {
			if !errors.Is(err, ErrInvalidToken) && m.Logger != nil {
				m.Logger.Error("resolve token", slog.Any("error", err))
			}
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		ctx := ContextWithActor(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole ensures the current actor holds one of the given roles.
func (m Middleware) RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.RespondError(w, httpx.ErrForbidden)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}
