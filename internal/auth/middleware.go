package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

const identityContextKey contextKey = "identity"

// FromContext returns the identity attached to the request context.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

// WithIdentity attaches an identity to a context. Handlers under the
// middleware never need it; tests and the MCP dispatcher do.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// TokenFromRequest extracts the bearer token from the Authorization
// header, falling back to the token query parameter for websocket and
// EventSource clients that cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware validates bearer tokens on incoming requests and attaches
// the identity. Returns 401 for missing or invalid tokens.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := r.Header.Get("X-Real-IP")
			if clientIP == "" {
				clientIP = r.RemoteAddr
			}

			token := TokenFromRequest(r)
			if token == "" {
				if id, ok := v.Anonymous(); ok {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
					return
				}
				slog.Warn("auth: missing token", slog.String("ip", clientIP), slog.String("path", r.URL.Path))
				denied(w, "authorization required")
				return
			}

			id, err := v.Verify(token)
			if err != nil {
				slog.Warn("auth: invalid token", slog.String("ip", clientIP), slog.String("path", r.URL.Path), slog.String("error", err.Error()))
				denied(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func denied(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
