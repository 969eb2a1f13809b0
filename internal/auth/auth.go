// Package auth authenticates the broker's two surfaces: bearer tokens on
// the API and the WebSocket, and cookie sessions for the owner dashboard.
package auth

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/brickworks/sitegate/internal/database"
)

// TokenVerifier resolves an opaque bearer token to the user it belongs to.
type TokenVerifier interface {
	UserForToken(ctx context.Context, token string) (uuid.UUID, error)
}

// DirectoryVerifier verifies tokens against the directory's token table.
type DirectoryVerifier struct {
	store *database.DirectoryStore
}

// NewDirectoryVerifier creates a verifier backed by the directory store.
func NewDirectoryVerifier(store *database.DirectoryStore) *DirectoryVerifier {
	return &DirectoryVerifier{store: store}
}

// UserForToken implements TokenVerifier.
func (v *DirectoryVerifier) UserForToken(ctx context.Context, token string) (uuid.UUID, error) {
	return v.store.UserForToken(ctx, token)
}

// BearerToken extracts the token from an Authorization header, falling back
// to the token query parameter for clients that cannot set headers.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return r.URL.Query().Get("token")
}

// ClientIP extracts the client IP address from the request.
func ClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first (for proxied requests)
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	realIP := r.Header.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
