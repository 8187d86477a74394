// Package middleware holds HTTP middleware of the feed server
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"sentinel/internal/auth"
)

// ContextKey is a custom type for context keys
type ContextKey string

// ClaimsContextKey stores the validated token claims
const ClaimsContextKey ContextKey = "claims"

// Validator validates bearer tokens
type Validator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// RequireToken rejects requests without a valid token. The token is read
// from the Authorization header or, for browser websockets that cannot set
// headers, from the token query parameter. A nil validator lets everything
// through.
func RequireToken(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, `{"error": "missing token"}`, http.StatusUnauthorized)
				return
			}

			claims, err := v.ValidateToken(token)
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					http.Error(w, `{"error": "token has expired"}`, http.StatusUnauthorized)
				} else {
					http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
				}
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, true
	}
	return "", false
}

// ClaimsFromContext returns the claims stored by RequireToken, or nil
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(ClaimsContextKey).(*auth.Claims)
	return claims
}
