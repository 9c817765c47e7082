package bridge

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"ugbridge/pkg/logging"
)

type contextKey string

const identityKey contextKey = "bridge-identity"

// WithIdentity returns ctx carrying the authenticated bridge identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the bridge identity attached by the HTTP
// layer. ok is false for stdio transport and for unauthenticated requests.
func IdentityFromContext(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(identityKey).(string)
	return identity, ok && identity != ""
}

// bearerToken extracts the bearer token from an Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// httpContext resolves the request's bearer token to a bridge identity and
// attaches it to the tool handler context. Runs after requireBearer, so the
// token is known valid.
func (b *Bridge) httpContext(ctx context.Context, r *http.Request) context.Context {
	token := bearerToken(r)
	if token == "" {
		return ctx
	}
	access := b.provider.LoadAccessToken(token)
	if access == nil {
		return ctx
	}
	return WithIdentity(ctx, access.UserID)
}

// requireBearer rejects MCP requests without a valid access token. The
// challenge points clients at the authorization server per RFC 9728.
func (b *Bridge) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || b.provider.LoadAccessToken(token) == nil {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(
				`Bearer realm=%q, resource_metadata=%q`,
				b.provider.Issuer(), b.provider.Issuer()+"/.well-known/oauth-protected-resource"))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			logging.Debug("Bridge", "Rejected MCP request without valid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
