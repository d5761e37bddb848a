package router

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/portraitly/backend/internal/dashboard"
	"github.com/portraitly/backend/internal/handlers"
	"github.com/portraitly/backend/internal/middleware"
	"github.com/portraitly/backend/internal/observability"
)

// Pinger reports database reachability for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Generations *handlers.GenerationHandler
	Credits     *handlers.CreditHandler
	Invites     *handlers.InviteHandler
	Account     *dashboard.Handler

	Tokens         middleware.TokenValidator
	InviteResolver middleware.InviteResolver
	CallbackSecret string

	DB       Pinger
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
}

// New returns an http.Handler that serves the API under /api/v1.
// Middleware chain: metrics -> Authenticate (-> RequireAdmin) -> handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	authed := middleware.Authenticate(d.Tokens, d.InviteResolver)
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}

	// Generations
	handle("POST "+base+"/generations", d.Generations.Create)
	handle("GET "+base+"/generations", d.Generations.List)
	handle("GET "+base+"/generations/{id}", d.Generations.Get)
	handle("DELETE "+base+"/generations/{id}", d.Generations.Delete)
	handle("GET "+base+"/generations/{id}/regenerations", d.Generations.Regenerations)
	// Job callback: shared secret instead of a user identity.
	mux.Handle("POST "+base+"/generations/{id}/status",
		middleware.CallbackSecret(d.CallbackSecret)(http.HandlerFunc(d.Generations.Status)))

	// Credits
	handle("GET "+base+"/credits/balance", d.Credits.Balance)
	handle("GET "+base+"/credits/transactions", d.Credits.Transactions)
	mux.Handle("POST "+base+"/credits/grants", authed(middleware.RequireAdmin(http.HandlerFunc(d.Credits.Grant))))

	// Invites
	handle("POST "+base+"/invites", d.Invites.Create)
	mux.HandleFunc("POST "+base+"/invites/accept", d.Invites.Accept)
	handle("GET "+base+"/invites/{id}", d.Invites.Get)
	handle("POST "+base+"/invites/{id}/allocation", d.Invites.Allocate)

	// Account
	handle("GET "+base+"/account/me", d.Account.GetMe)
	mux.Handle("POST "+base+"/admin/users/{id}/plan", authed(middleware.RequireAdmin(http.HandlerFunc(d.Account.UpdatePlan))))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if d.DB != nil {
			if err := d.DB.Ping(r.Context()); err != nil {
				http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if d.Gatherer != nil {
		mux.Handle("GET /metrics", observability.Handler(d.Gatherer))
	}

	return observability.HTTPMetricsMiddleware(d.Metrics)(mux)
}
