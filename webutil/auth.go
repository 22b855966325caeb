package webutil

import (
	"context"
	"net/http"
)

// The auth provider in front of this service authenticates requests and
// forwards the user's identity in this header. The core never authenticates
// directly.
const HeaderAuthenticatedUser = "X-Capsule-User"

type contextKey string

const userIDContextKey contextKey = "authenticatedUserID"

// RequireAuthenticatedUser rejects requests the auth proxy did not tag with a
// user identity and stores the identity in the request context.
func RequireAuthenticatedUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(HeaderAuthenticatedUser)
		if userID == "" {
			RespondWithError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthenticatedUserID returns the user identity the auth middleware stored,
// or "" when the request never passed through it.
func AuthenticatedUserID(r *http.Request) string {
	userID, _ := r.Context().Value(userIDContextKey).(string)
	return userID
}
