// Package authz attributes API requests to an actor and gates mutating
// endpoints behind the operator role. Authentication itself happens at the
// proxy; this package only extracts and enforces what the proxy forwards.
package authz

import (
	"context"
	"net/http"
	"strings"
)

// Role is the coarse permission level of a request.
type Role string

const (
	// RoleViewer can read everything. The default for unattributed requests.
	RoleViewer Role = "viewer"
	// RoleOperator can additionally mutate: manual approvals, alert
	// resolution, association approval, sync triggers.
	RoleOperator Role = "operator"
)

// Actor is the attributed identity of a request.
type Actor struct {
	User string
	Role Role
}

// actorCtxKey is an unexported type used as the context key for Actor.
type actorCtxKey struct{}

// WithActor returns a new context with the given Actor attached.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, actor)
}

// ActorFromContext retrieves the Actor from the context. Returns an
// anonymous viewer when none is set.
func ActorFromContext(ctx context.Context) Actor {
	if actor, ok := ctx.Value(actorCtxKey{}).(Actor); ok {
		return actor
	}
	return Actor{User: "anonymous", Role: RoleViewer}
}

// Extractor derives the actor from a request.
type Extractor func(r *http.Request) Actor

// HeaderExtractor reads X-Remote-User and X-Remote-Role, the headers a
// trusted authenticating proxy forwards. Missing user means anonymous;
// anything but "operator" in the role header means viewer.
func HeaderExtractor() Extractor {
	return func(r *http.Request) Actor {
		user := strings.TrimSpace(r.Header.Get("X-Remote-User"))
		if user == "" {
			user = "anonymous"
		}
		role := RoleViewer
		if strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Remote-Role")), string(RoleOperator)) {
			role = RoleOperator
		}
		return Actor{User: user, Role: role}
	}
}

// Middleware attaches the extracted actor to the request context.
func Middleware(extract Extractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithActor(r.Context(), extract(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireOperator rejects requests whose actor lacks the operator role.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ActorFromContext(r.Context()).Role != RoleOperator {
			http.Error(w, `{"error":"operator role required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
