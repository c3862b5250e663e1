package jwt

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	// ContextCredentialKey stores the raw bearer token string in the request context.
	ContextCredentialKey contextKey = "credential"
)

// CredentialMiddleware extracts the bearer token from the Authorization header, or from the
// `token` query parameter for WebSocket handshakes, and stores it in the request context.
// It never rejects a request: resolving the credential is left to the handler, which knows
// whether the action requires one.
func CredentialMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := BearerToken(r)
		if credential == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), ContextCredentialKey, credential)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BearerToken returns the credential carried by r, or "" when none is present.
func BearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}

	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// CredentialFromContext returns the credential stored by CredentialMiddleware.
func CredentialFromContext(ctx context.Context) string {
	credential, _ := ctx.Value(ContextCredentialKey).(string)
	return credential
}
