//go:build integration

// Package pgtest starts a throwaway Postgres for repository tests and
// applies the application schema to it.
package pgtest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/portraitly/backend/internal/migrations"
	"github.com/portraitly/backend/internal/models"
	"github.com/portraitly/backend/internal/repository"
)

// New returns a pool on a migrated Postgres container. The test is skipped
// when no container runtime is available.
func New(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	provider.Close()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("portraitly_test"),
		postgres.WithUsername("portraitly"),
		postgres.WithPassword("portraitly_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx))

	_, err = migrations.Apply(ctx, pool)
	require.NoError(t, err, "Failed to run migrations")
	return pool
}

// Fixture is a user owning a team, with the owner's person row.
type Fixture struct {
	User   *models.User
	Team   *models.Team
	Person *models.Person
}

// Seed inserts a fresh user, team and owner person.
func Seed(t *testing.T, pool *pgxpool.Pool, tier string) Fixture {
	t.Helper()
	ctx := context.Background()
	accounts := repository.NewAccountRepo(pool)

	u := &models.User{ID: uuid.New(), Email: uuid.NewString() + "@example.com", PlanTier: tier}
	require.NoError(t, accounts.CreateUser(ctx, u))
	team := &models.Team{ID: uuid.New(), Name: "team", OwnerID: u.ID}
	owner := &models.Person{ID: uuid.New(), UserID: &u.ID, Email: u.Email}
	require.NoError(t, accounts.CreateTeam(ctx, team, owner))
	return Fixture{User: u, Team: team, Person: owner}
}
