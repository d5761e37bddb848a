package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/portraitly/backend/internal/auth"
	"github.com/portraitly/backend/internal/balance"
	"github.com/portraitly/backend/internal/config"
	"github.com/portraitly/backend/internal/entitlement"
	"github.com/portraitly/backend/internal/execution"
	"github.com/portraitly/backend/internal/generation"
	"github.com/portraitly/backend/internal/invite"
	"github.com/portraitly/backend/internal/ledger"
	"github.com/portraitly/backend/internal/migrations"
	"github.com/portraitly/backend/internal/observability"
	"github.com/portraitly/backend/internal/repository"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. docker compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	// Application schema, then River's own tables.
	applied, err := migrations.Apply(ctx, pool)
	if err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Schema migrations applied", "new", applied)

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	// Ledger and balances. Every committed write drops cached balances of its scope.
	accountRepo := repository.NewAccountRepo(pool)
	ledgerSvc := ledger.NewService(ledger.NewRepository(pool), logger)
	calc := balance.NewCalculator(ledgerSvc, accountRepo, balance.Options{
		CacheSize: cfg.BalanceCacheSize,
		CacheTTL:  cfg.BalanceCacheTTL,
		Metrics:   metrics,
		Logger:    logger,
	})
	ledgerSvc.OnAppend(calc.Invalidate)

	inviteSvc := invite.NewService(invite.NewRepository(pool), ledgerSvc, calc, cfg.InviteTTL, logger)
	genRepo := generation.NewRepository(pool)
	resolver := entitlement.NewResolver(ledgerSvc, calc, inviteSvc, genRepo, entitlement.Options{
		DebitRetries: cfg.DebitRetries,
		Metrics:      metrics,
		Logger:       logger,
	})

	// Jobs: insert funcs are set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var riverClient *river.Client[pgx.Tx]
	client := func() *river.Client[pgx.Tx] {
		insertMu.Lock()
		defer insertMu.Unlock()
		if riverClient == nil {
			panic("river insert not wired")
		}
		return riverClient
	}
	enqueueGenerate := func(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
		_, err := client().InsertTx(ctx, tx, execution.GenerateImageArgs{GenerationID: id}, nil)
		return err
	}
	enqueueRefund := func(ctx context.Context, id uuid.UUID) error {
		_, err := client().Insert(ctx, execution.RefundGenerationArgs{GenerationID: id}, nil)
		return err
	}

	manager := generation.NewManager(genRepo, ledgerSvc, resolver, inviteSvc, enqueueGenerate, enqueueRefund, generation.Config{
		GenerationCost:    cfg.GenerationCostCredits,
		RegenerationCost:  cfg.RegenerationCostCredits,
		MaxRegenerations:  cfg.MaxRegenerations,
		RefundMaxAttempts: cfg.RefundMaxAttempts,
	}, metrics, logger)

	workers := river.NewWorkers()
	execution.Register(workers, manager, cfg.ProviderURL, logger)

	rc, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.RiverMaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{execution.ReconcilePeriodicJob(cfg.ReconcileInterval)},
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	insertMu.Lock()
	riverClient = rc
	insertMu.Unlock()

	mux := http.NewServeMux()
	mux.Handle("/", newAPIHandler(apiDeps{
		pool:        pool,
		accounts:    accountRepo,
		manager:     manager,
		ledger:      ledgerSvc,
		balances:    calc,
		invites:     inviteSvc,
		tokens:      auth.NewTokenService(cfg.JWTSecret, 0),
		callbackKey: cfg.CallbackSecret,
		metrics:     metrics,
		registry:    registry,
		logger:      logger,
	}))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Invite-Token"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes jobs)
	if err := rc.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	serverAddr := "0.0.0.0:" + cfg.Port
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown failed", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := rc.Stop(stopCtx); err != nil {
		slog.Error("River client stop failed", "error", err)
	}
	slog.Info("Server stopped")
}
