package auth

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"

	"github.com/brickworks/sitegate/internal/types"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

// ContextKeyUserID is the context key for the authenticated user id.
const ContextKeyUserID ContextKey = "user_id"

// Middleware authenticates API requests. Bearer tokens are checked first;
// a cookie session serves as fallback so dashboard browser calls work
// without carrying the token into page code. The cookie itself is issued by
// the main application's login flow; this service only reads it.
type Middleware struct {
	verifier     TokenVerifier
	sessionStore sessions.Store
	cookieName   string
}

// NewMiddleware creates the auth middleware. sessionStore may be nil when
// only token auth is wanted.
func NewMiddleware(verifier TokenVerifier, sessionStore sessions.Store, cookieName string) *Middleware {
	return &Middleware{
		verifier:     verifier,
		sessionStore: sessionStore,
		cookieName:   cookieName,
	}
}

// Authenticate resolves the caller's user id or returns an error.
func (m *Middleware) Authenticate(r *http.Request) (uuid.UUID, error) {
	if token := BearerToken(r); token != "" {
		userID, err := m.verifier.UserForToken(r.Context(), token)
		if err == nil {
			return userID, nil
		}
		log.Warn().Str("path", r.URL.Path).Msg("Token authentication failed")
	}

	if m.sessionStore != nil {
		session, err := m.sessionStore.Get(r, m.cookieName)
		if err == nil {
			if logged, ok := session.Values["logged"].(bool); ok && logged {
				if idStr, ok := session.Values["user_id"].(string); ok {
					if userID, err := uuid.Parse(idStr); err == nil {
						return userID, nil
					}
				}
			}
		}
	}

	return uuid.Nil, types.NewHTTPError(http.StatusUnauthorized, "Authentication required", types.ErrUnauthorized)
}

// RequireAuth wraps a handler with authentication, putting the caller's
// user id in the request context.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := m.Authenticate(r)
		if err != nil {
			types.WriteHTTPError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ContextKeyUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// UserIDFromContext retrieves the authenticated user id, uuid.Nil when the
// request never passed RequireAuth.
func UserIDFromContext(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(ContextKeyUserID).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}
