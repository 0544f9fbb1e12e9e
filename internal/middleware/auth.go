package middleware

import (
	"context"
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// UserContextKey is the key used to store the authenticated principal in
	// the request context.
	UserContextKey contextKey = "user"
)

// TokenValidator authenticates a bearer token from the admin control
// plane's Authorization header. internal/control's token issuer implements
// this; it is kept narrow (one method) so this middleware doesn't need to
// know anything about JWTs, bcrypt, or claim shapes.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (principal string, ok bool)
}

// AuthMiddleware creates middleware that validates bearer tokens from the
// Authorization header against v.
func AuthMiddleware(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			principal, ok := v.ValidateToken(r.Context(), token)
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserContextKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuthMiddleware extracts the principal if a valid token is
// present, but never rejects the request for its absence.
func OptionalAuthMiddleware(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			principal, ok := v.ValidateToken(r.Context(), token)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), UserContextKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// PrincipalFromContext retrieves the authenticated principal from the
// request context, if any.
func PrincipalFromContext(ctx context.Context) string {
	p, _ := ctx.Value(UserContextKey).(string)
	return p
}
