package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/portraitly/backend/internal/auth"
	"github.com/portraitly/backend/internal/balance"
	"github.com/portraitly/backend/internal/dashboard"
	"github.com/portraitly/backend/internal/generation"
	"github.com/portraitly/backend/internal/handlers"
	"github.com/portraitly/backend/internal/invite"
	"github.com/portraitly/backend/internal/ledger"
	"github.com/portraitly/backend/internal/observability"
	"github.com/portraitly/backend/internal/repository"
	"github.com/portraitly/backend/internal/router"
)

type apiDeps struct {
	pool        *pgxpool.Pool
	accounts    *repository.AccountRepo
	manager     *generation.Manager
	ledger      *ledger.Service
	balances    *balance.Calculator
	invites     *invite.Service
	tokens      *auth.TokenService
	callbackKey string
	metrics     *observability.Metrics
	registry    *prometheus.Registry
	logger      *slog.Logger
}

// newAPIHandler builds the /api/v1 surface plus /healthz and /metrics.
func newAPIHandler(d apiDeps) http.Handler {
	return router.New(router.Deps{
		Generations: &handlers.GenerationHandler{Generations: d.manager, Logger: d.logger},
		Credits: &handlers.CreditHandler{
			Ledger:   d.ledger,
			Balances: d.balances,
			Invites:  d.invites,
			Logger:   d.logger,
		},
		Invites:        &handlers.InviteHandler{Invites: d.invites, Logger: d.logger},
		Account:        dashboard.NewHandler(d.accounts, d.balances, d.logger),
		Tokens:         d.tokens,
		InviteResolver: d.invites,
		CallbackSecret: d.callbackKey,
		DB:             d.pool,
		Metrics:        d.metrics,
		Gatherer:       d.registry,
	})
}
