package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/portraitly/backend/internal/invite"
	"github.com/portraitly/backend/internal/models"
)

type contextKey string

const ctxActorKey contextKey = "actor"

// InviteTokenHeader carries the raw invite token of a guest.
const InviteTokenHeader = "X-Invite-Token"

// CallbackSecretHeader authenticates job status callbacks.
const CallbackSecretHeader = "X-Callback-Secret"

// TokenValidator resolves a bearer token to an actor.
type TokenValidator interface {
	Validate(token string) (models.Actor, error)
}

// InviteResolver resolves a raw invite token.
type InviteResolver interface {
	Resolve(ctx context.Context, token string) (invite.Identity, error)
}

// Authenticate sets the actor from a bearer JWT or, failing that, from an
// accepted invite token. Requests with neither are rejected with 401.
func Authenticate(tokens TokenValidator, invites InviteResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if raw := extractBearer(r); raw != "" {
				actor, err := tokens.Validate(raw)
				if err != nil {
					http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
				return
			}

			raw := strings.TrimSpace(r.Header.Get(InviteTokenHeader))
			if raw == "" || invites == nil {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			id, err := invites.Resolve(r.Context(), raw)
			switch {
			case errors.Is(err, invite.ErrInviteExpired):
				http.Error(w, `{"error":"invite expired"}`, http.StatusForbidden)
				return
			case err != nil:
				http.Error(w, `{"error":"invalid invite token"}`, http.StatusUnauthorized)
				return
			}
			actor, err := id.Actor()
			if err != nil {
				http.Error(w, `{"error":"invite not accepted yet"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RequireAdmin rejects actors without the admin claim.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromCtx(r.Context())
		if !ok || !actor.Admin {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CallbackSecret guards the job status callback with a shared secret.
func CallbackSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(CallbackSecretHeader)
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				http.Error(w, `{"error":"invalid callback secret"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorFromCtx returns the authenticated actor.
func ActorFromCtx(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(ctxActorKey).(models.Actor)
	return a, ok
}

// WithActor returns a context carrying the given actor.
func WithActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, ctxActorKey, a)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
